package domain

import "errors"

var (
	// ErrUnauthorized is returned when the admin secret does not match.
	ErrUnauthorized = errors.New("admin secret mismatch")
	// ErrRoomNotFound is returned when a room code does not resolve to a live room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomCodeTaken is returned when opening a room whose code is held by a non-ended room.
	ErrRoomCodeTaken = errors.New("room code already in use")
	// ErrInvalidQuiz is returned when opening a room on a quiz with no questions.
	ErrInvalidQuiz = errors.New("quiz has no questions")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates a question order or ID is invalid for the quiz.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrParticipantNotFound is returned when a participant ID is not part of the room.
	ErrParticipantNotFound = errors.New("participant not found in room")
	// ErrOptionNotFound indicates a submitted option ID is invalid.
	ErrOptionNotFound = errors.New("option not found")
	// ErrInvalidState is returned when an operation is not valid for the room's status,
	// such as ending an already-ended room or rewinding to an earlier question.
	ErrInvalidState = errors.New("operation not valid in current room state")
	// ErrAlreadyAnswered enforces the one-answer-per-question invariant.
	ErrAlreadyAnswered = errors.New("question already answered")
	// ErrDeadlineExceeded is returned for submissions past the authoritative cutoff.
	ErrDeadlineExceeded = errors.New("answer deadline exceeded")
	// ErrStaleQuestion is returned for submissions targeting a question the room advanced past.
	ErrStaleQuestion = errors.New("question is no longer current")
)
