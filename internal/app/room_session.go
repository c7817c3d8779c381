package app

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrtangpham/ap-quiz/internal/countdown"
	"github.com/mrtangpham/ap-quiz/internal/domain"
)

// RoomSession is the authoritative in-memory state of one room: the room
// record, its participants, the answer log and the score log. All mutation
// happens under the session mutex, which is what serializes racing admin
// commands and concurrent submissions for the same (participant, question).
type RoomSession struct {
	mu          sync.RWMutex
	room        domain.Room
	adminSecret string
	now         func() time.Time

	byClient map[string]*domain.Participant // idempotent join key
	byID     map[string]*domain.Participant
	answers  map[answerKey]domain.Answer
	scores   []domain.Score
}

type answerKey struct {
	participantID string
	questionID    string
}

// NewRoomSession creates a session in the waiting state.
func NewRoomSession(quizID, roomCode, adminSecret string) *RoomSession {
	return NewRoomSessionWithClock(quizID, roomCode, adminSecret, time.Now)
}

// NewRoomSessionWithClock allows deterministic timestamps in tests.
func NewRoomSessionWithClock(quizID, roomCode, adminSecret string, now func() time.Time) *RoomSession {
	return &RoomSession{
		room: domain.Room{
			Code:      roomCode,
			QuizID:    quizID,
			Status:    domain.StatusWaiting,
			CreatedAt: now(),
		},
		adminSecret: adminSecret,
		now:         now,
		byClient:    make(map[string]*domain.Participant),
		byID:        make(map[string]*domain.Participant),
		answers:     make(map[answerKey]domain.Answer),
	}
}

// Code returns the room code.
func (s *RoomSession) Code() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room.Code
}

// Ended reports whether the room reached its terminal state.
func (s *RoomSession) Ended() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room.Status == domain.StatusEnded
}

// Snapshot returns a read-only copy of the room. The admin secret is not
// part of the snapshot and never leaves the session.
func (s *RoomSession) Snapshot() domain.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

func (s *RoomSession) authorize(secret string) error {
	if secret == "" || secret != s.adminSecret {
		return domain.ErrUnauthorized
	}
	return nil
}

// join registers a participant, idempotent on client ID: a reload or
// reconnect returns the existing entrant rather than creating a duplicate
// leaderboard row.
func (s *RoomSession) join(nickname, clientID string) (domain.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byClient[clientID]; ok {
		existing.IsPresent = true
		return *existing, false
	}

	participant := &domain.Participant{
		ID:        uuid.NewString(),
		RoomCode:  s.room.Code,
		ClientID:  clientID,
		Nickname:  nickname,
		JoinedAt:  s.now(),
		IsPresent: true,
	}
	s.byClient[clientID] = participant
	s.byID[participant.ID] = participant
	return *participant, true
}

// startQuestion makes the given question live. Re-starting the current order
// is the admin's retry path and resets the clock; a lower order is rejected
// so current_question_order never decreases.
func (s *RoomSession) startQuestion(secret string, question domain.Question) (domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.authorize(secret); err != nil {
		return domain.Room{}, err
	}
	if s.room.Status == domain.StatusEnded {
		return domain.Room{}, domain.ErrInvalidState
	}
	if question.Order < s.room.CurrentQuestionOrder {
		return domain.Room{}, domain.ErrInvalidState
	}

	s.room.Status = domain.StatusRunning
	s.room.CurrentQuestionOrder = question.Order
	s.room.CurrentQuestionID = question.ID
	s.room.QuestionStartAt = s.now()
	return s.room, nil
}

// endGame moves the room to its terminal state.
func (s *RoomSession) endGame(secret string) (domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.authorize(secret); err != nil {
		return domain.Room{}, err
	}
	if s.room.Status == domain.StatusEnded {
		return domain.Room{}, domain.ErrInvalidState
	}

	s.room.Status = domain.StatusEnded
	s.room.CurrentQuestionID = ""
	s.room.QuestionStartAt = time.Time{}
	return s.room, nil
}

// submitAnswer applies all authoritative checks and, on success, records the
// answer and exactly one score event. The map insert under the lock is the
// conflict-detection primitive for the exactly-once invariant.
func (s *RoomSession) submitAnswer(participantID string, question domain.Question, optionID string, latencyMS int64, defaultPoints int) (domain.AnswerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.room.Status != domain.StatusRunning {
		return domain.AnswerResult{}, domain.ErrInvalidState
	}
	if question.ID != s.room.CurrentQuestionID {
		return domain.AnswerResult{}, domain.ErrStaleQuestion
	}
	participant, ok := s.byID[participantID]
	if !ok {
		return domain.AnswerResult{}, domain.ErrParticipantNotFound
	}

	var selected *domain.Option
	for i := range question.Options {
		if question.Options[i].ID == optionID {
			selected = &question.Options[i]
			break
		}
	}
	if selected == nil {
		return domain.AnswerResult{}, domain.ErrOptionNotFound
	}

	now := s.now()
	limit := time.Duration(question.TimeLimitSec) * time.Second
	// The caller-supplied latency is display data; the cutoff is computed
	// here from question_start_at.
	if countdown.Expired(now, s.room.QuestionStartAt, limit) {
		return domain.AnswerResult{}, domain.ErrDeadlineExceeded
	}

	key := answerKey{participantID: participantID, questionID: question.ID}
	if _, exists := s.answers[key]; exists {
		return domain.AnswerResult{}, domain.ErrAlreadyAnswered
	}

	limitMS := int64(question.TimeLimitSec) * 1000
	if latencyMS < 0 {
		latencyMS = 0
	}
	if latencyMS > limitMS {
		latencyMS = limitMS
	}

	s.answers[key] = domain.Answer{
		ID:            uuid.NewString(),
		RoomCode:      s.room.Code,
		ParticipantID: participantID,
		QuestionID:    question.ID,
		OptionID:      optionID,
		Correct:       selected.Correct,
		LatencyMS:     latencyMS,
		CreatedAt:     now,
	}

	awarded := 0
	if selected.Correct {
		awarded = question.Points
		if awarded == 0 {
			awarded = defaultPoints
		}
	}
	s.scores = append(s.scores, domain.Score{
		ID:            uuid.NewString(),
		RoomCode:      s.room.Code,
		ParticipantID: participantID,
		QuestionID:    question.ID,
		Points:        awarded,
		CreatedAt:     now,
	})

	return domain.AnswerResult{
		QuestionID: question.ID,
		Correct:    selected.Correct,
		Awarded:    awarded,
		TotalScore: s.totalLocked(participantID),
	}, nil
}

func (s *RoomSession) totalLocked(participantID string) int {
	total := 0
	for _, score := range s.scores {
		if score.ParticipantID == participantID {
			total += score.Points
		}
	}
	return total
}

// leaderboard recomputes the ranking from the score log. Ordering is total
// points descending, ties broken by earliest join time, then nickname, then
// participant ID, so repeated queries over the same scores return the same
// order.
func (s *RoomSession) leaderboard() domain.Leaderboard {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]int)
	for _, score := range s.scores {
		totals[score.ParticipantID] += score.Points
	}

	entries := make([]domain.LeaderboardEntry, 0, len(totals))
	for participantID, total := range totals {
		participant := s.byID[participantID]
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID: participantID,
			Nickname:      participant.Nickname,
			TotalPoints:   total,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalPoints != entries[j].TotalPoints {
			return entries[i].TotalPoints > entries[j].TotalPoints
		}
		pi := s.byID[entries[i].ParticipantID]
		pj := s.byID[entries[j].ParticipantID]
		if !pi.JoinedAt.Equal(pj.JoinedAt) {
			return pi.JoinedAt.Before(pj.JoinedAt)
		}
		if entries[i].Nickname != entries[j].Nickname {
			return entries[i].Nickname < entries[j].Nickname
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	return domain.Leaderboard{
		RoomCode:  s.room.Code,
		Entries:   entries,
		UpdatedAt: s.now(),
	}
}

// progress counts answers for the current question against joined entrants.
func (s *RoomSession) progress() domain.AnswerProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	answered := 0
	for key := range s.answers {
		if key.questionID == s.room.CurrentQuestionID {
			answered++
		}
	}
	return domain.AnswerProgress{
		RoomCode:   s.room.Code,
		QuestionID: s.room.CurrentQuestionID,
		Answered:   answered,
		Joined:     len(s.byID),
	}
}
