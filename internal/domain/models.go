package domain

import "time"

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	StatusWaiting RoomStatus = "waiting"
	StatusRunning RoomStatus = "running"
	StatusEnded   RoomStatus = "ended"
)

// Room is the authoritative per-session state. Only the state machine
// mutates it; everyone else sees read-only snapshots.
type Room struct {
	Code                 string     `json:"roomCode"`
	QuizID               string     `json:"quizId"`
	Status               RoomStatus `json:"status"`
	CurrentQuestionOrder int        `json:"currentQuestionOrder"` // 0 while no question was started
	CurrentQuestionID    string     `json:"currentQuestionId"`    // empty unless running
	QuestionStartAt      time.Time  `json:"questionStartAt"`      // zero unless running
	CreatedAt            time.Time  `json:"createdAt"`
}

// Participant is one entrant bound to a room via a durable client identity.
type Participant struct {
	ID        string    `json:"id"`
	RoomCode  string    `json:"roomCode"`
	ClientID  string    `json:"clientId"`
	Nickname  string    `json:"nickname"`
	JoinedAt  time.Time `json:"joinedAt"`
	IsPresent bool      `json:"isPresent"`
}

// Answer records one submission per (participant, question).
type Answer struct {
	ID            string    `json:"id"`
	RoomCode      string    `json:"roomCode"`
	ParticipantID string    `json:"participantId"`
	QuestionID    string    `json:"questionId"`
	OptionID      string    `json:"optionId"`
	Correct       bool      `json:"correct"`
	LatencyMS     int64     `json:"latencyMs"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Score is an immutable record of points awarded for one question.
type Score struct {
	ID            string    `json:"id"`
	RoomCode      string    `json:"roomCode"`
	ParticipantID string    `json:"participantId"`
	QuestionID    string    `json:"questionId"`
	Points        int       `json:"points"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AnswerResult summarizes the outcome of a submission for a single participant.
type AnswerResult struct {
	QuestionID string `json:"questionId"`
	Correct    bool   `json:"correct"`
	Awarded    int    `json:"awarded"`
	TotalScore int    `json:"totalScore"`
}

// AnswerProgress is the "X / N answered" counter for the current question.
type AnswerProgress struct {
	RoomCode   string `json:"roomCode"`
	QuestionID string `json:"questionId"`
	Answered   int    `json:"answered"`
	Joined     int    `json:"joined"`
}

// LeaderboardEntry is one ranked row of the scoreboard.
type LeaderboardEntry struct {
	Rank          int    `json:"rank"`
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
	TotalPoints   int    `json:"totalPoints"`
}

// Leaderboard captures the ordered scoreboard for a room.
type Leaderboard struct {
	RoomCode  string             `json:"roomCode"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Option represents a labeled answer choice. Correct is stripped before
// anything leaves the server toward a participant.
type Option struct {
	ID      string `json:"id"`
	Label   string `json:"label"` // A, B, C or D
	Text    string `json:"text"`
	Correct bool   `json:"correct,omitempty"`
}

// Question models an MCQ question with exactly one correct option.
type Question struct {
	ID           string   `json:"id"`
	Order        int      `json:"order"` // 1-based, unique within the quiz
	Prompt       string   `json:"prompt"`
	TimeLimitSec int      `json:"timeLimitSec"`
	Options      []Option `json:"options"`
	Points       int      `json:"points"` // full award for a correct answer; defaults if zero
}

// Quiz is an ordered collection of questions, immutable during play.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// QuestionByOrder returns the question with the given 1-based order.
func (q Quiz) QuestionByOrder(order int) (Question, bool) {
	for _, question := range q.Questions {
		if question.Order == order {
			return question, true
		}
	}
	return Question{}, false
}

// QuestionByID returns the question with the given ID.
func (q Quiz) QuestionByID(id string) (Question, bool) {
	for _, question := range q.Questions {
		if question.ID == id {
			return question, true
		}
	}
	return Question{}, false
}
