package app

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/mrtangpham/ap-quiz/internal/bus"
	"github.com/mrtangpham/ap-quiz/internal/domain"
)

// RoomStore abstracts how room sessions are stored (in-memory, Redis, etc).
type RoomStore interface {
	// Create registers a session under its room code. It fails with
	// domain.ErrRoomCodeTaken while a non-ended room holds the code; an
	// ended room's code may be reused.
	Create(session *RoomSession) error
	Get(roomCode string) (*RoomSession, bool)
	Delete(roomCode string)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// ResultArchiver persists final standings when a game ends. Archival is
// best-effort; the session outcome never depends on it.
type ResultArchiver interface {
	ArchiveResult(ctx context.Context, room domain.Room, leaderboard domain.Leaderboard) error
}

// Options tunes the session core. Zero values fall back to defaults.
type Options struct {
	DefaultPoints   int           // points per correct answer when the question sets none
	MinTimeLimitSec int           // time_limit_sec is clamped into [Min, Max]
	MaxTimeLimitSec int
	PollInterval    time.Duration // WatchRoom fallback poll cadence
	PollWindow      time.Duration // how long WatchRoom keeps polling after subscribing
}

func (o Options) withDefaults() Options {
	if o.DefaultPoints <= 0 {
		o.DefaultPoints = 10
	}
	if o.MinTimeLimitSec <= 0 {
		o.MinTimeLimitSec = 10
	}
	if o.MaxTimeLimitSec < o.MinTimeLimitSec {
		o.MaxTimeLimitSec = 20
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.PollWindow <= 0 {
		o.PollWindow = 30 * time.Second
	}
	return o
}

// RoomService contains the session synchronization use cases: the room state
// machine, the participant registry, answer intake and the leaderboard view.
type RoomService struct {
	rooms      RoomStore
	quizzes    QuizRepository
	broker     *bus.Broker
	publishers []bus.Publisher
	archiver   ResultArchiver
	opts       Options
	now        func() time.Time
}

func NewRoomService(rooms RoomStore, quizzes QuizRepository, broker *bus.Broker, opts Options) *RoomService {
	return &RoomService{
		rooms:      rooms,
		quizzes:    quizzes,
		broker:     broker,
		publishers: []bus.Publisher{broker},
		opts:       opts.withDefaults(),
		now:        time.Now,
	}
}

// WithPublisher adds a second event sink, such as the Redis event bridge,
// alongside the in-process broker.
func (s *RoomService) WithPublisher(p bus.Publisher) *RoomService {
	s.publishers = append(s.publishers, p)
	return s
}

// WithClock replaces the service clock; test-only.
func (s *RoomService) WithClock(now func() time.Time) *RoomService {
	s.now = now
	return s
}

// WithArchiver attaches a final-standings archiver.
func (s *RoomService) WithArchiver(archiver ResultArchiver) *RoomService {
	s.archiver = archiver
	return s
}

// OpenRoom creates a room in the waiting state bound to a quiz and stores
// the admin secret for later authorization.
func (s *RoomService) OpenRoom(ctx context.Context, quizID, roomCode, adminSecret string) (domain.Room, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Room{}, err
	}
	if len(quiz.Questions) == 0 {
		return domain.Room{}, domain.ErrInvalidQuiz
	}
	if adminSecret == "" {
		return domain.Room{}, domain.ErrUnauthorized
	}

	session := NewRoomSessionWithClock(quizID, roomCode, adminSecret, s.now)
	if err := s.rooms.Create(session); err != nil {
		return domain.Room{}, err
	}

	room := session.Snapshot()
	s.publishRoom(room)
	return room, nil
}

// StartQuestion makes the question with the given 1-based order live and
// resets the authoritative clock. Requires the room's admin secret.
func (s *RoomService) StartQuestion(ctx context.Context, roomCode, adminSecret string, order int) (domain.Room, error) {
	session, ok := s.rooms.Get(roomCode)
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}

	quiz, err := s.quizzes.GetQuiz(ctx, session.Snapshot().QuizID)
	if err != nil {
		return domain.Room{}, err
	}
	question, ok := quiz.QuestionByOrder(order)
	if !ok {
		return domain.Room{}, domain.ErrQuestionNotFound
	}
	question.TimeLimitSec = s.boundTimeLimit(question.TimeLimitSec)

	room, err := session.startQuestion(adminSecret, question)
	if err != nil {
		return domain.Room{}, err
	}

	s.publishRoom(room)
	s.publishProgress(session)
	return room, nil
}

// EndGame moves the room to its terminal state and archives the final
// standings if an archiver is configured.
func (s *RoomService) EndGame(ctx context.Context, roomCode, adminSecret string) (domain.Room, error) {
	session, ok := s.rooms.Get(roomCode)
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}

	room, err := session.endGame(adminSecret)
	if err != nil {
		return domain.Room{}, err
	}

	s.publishRoom(room)
	if s.archiver != nil {
		if err := s.archiver.ArchiveResult(ctx, room, session.leaderboard()); err != nil {
			log.Printf("archive result for room %s: %v", roomCode, err)
		}
	}
	return room, nil
}

// Join registers a participant in a room, idempotent on client ID. Joining
// is allowed in any room state; an ended room only offers leaderboard viewing.
func (s *RoomService) Join(ctx context.Context, roomCode, nickname, clientID string) (domain.Participant, error) {
	session, ok := s.rooms.Get(roomCode)
	if !ok {
		return domain.Participant{}, domain.ErrRoomNotFound
	}

	participant, created := session.join(nickname, clientID)
	if created {
		s.publishProgress(session)
	}
	return participant, nil
}

// SubmitAnswer accepts one answer per participant per question, computes
// correctness against the quiz content and emits exactly one score event.
func (s *RoomService) SubmitAnswer(ctx context.Context, roomCode, participantID, questionID, optionID string, latencyMS int64) (domain.AnswerResult, error) {
	session, ok := s.rooms.Get(roomCode)
	if !ok {
		return domain.AnswerResult{}, domain.ErrRoomNotFound
	}

	quiz, err := s.quizzes.GetQuiz(ctx, session.Snapshot().QuizID)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	question, ok := quiz.QuestionByID(questionID)
	if !ok {
		return domain.AnswerResult{}, domain.ErrQuestionNotFound
	}
	question.TimeLimitSec = s.boundTimeLimit(question.TimeLimitSec)

	result, err := session.submitAnswer(participantID, question, optionID, latencyMS, s.opts.DefaultPoints)
	if err != nil {
		return domain.AnswerResult{}, err
	}

	s.publishProgress(session)
	s.publish(bus.Event{
		RoomCode:    roomCode,
		Topic:       bus.TopicScores,
		Leaderboard: ptr(session.leaderboard()),
	})
	return result, nil
}

// Room returns the authoritative room snapshot.
func (s *RoomService) Room(_ context.Context, roomCode string) (domain.Room, error) {
	session, ok := s.rooms.Get(roomCode)
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return session.Snapshot(), nil
}

// CurrentQuestion resolves the live question with the correct flag stripped,
// options sorted by label, for anything participant-facing.
func (s *RoomService) CurrentQuestion(ctx context.Context, roomCode string) (domain.Question, error) {
	session, ok := s.rooms.Get(roomCode)
	if !ok {
		return domain.Question{}, domain.ErrRoomNotFound
	}
	room := session.Snapshot()
	if room.Status != domain.StatusRunning || room.CurrentQuestionID == "" {
		return domain.Question{}, domain.ErrQuestionNotFound
	}

	quiz, err := s.quizzes.GetQuiz(ctx, room.QuizID)
	if err != nil {
		return domain.Question{}, err
	}
	question, ok := quiz.QuestionByID(room.CurrentQuestionID)
	if !ok {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	question.TimeLimitSec = s.boundTimeLimit(question.TimeLimitSec)
	return sanitizeQuestion(question), nil
}

// Leaderboard recomputes the ranked view from the room's score events.
func (s *RoomService) Leaderboard(_ context.Context, roomCode string) (domain.Leaderboard, error) {
	session, ok := s.rooms.Get(roomCode)
	if !ok {
		return domain.Leaderboard{}, domain.ErrRoomNotFound
	}
	return session.leaderboard(), nil
}

// Progress returns the answered/joined counter for the current question.
func (s *RoomService) Progress(_ context.Context, roomCode string) (domain.AnswerProgress, error) {
	session, ok := s.rooms.Get(roomCode)
	if !ok {
		return domain.AnswerProgress{}, domain.ErrRoomNotFound
	}
	return session.progress(), nil
}

// Subscribe attaches to one of the room's change streams. The caller must
// invoke the returned cancel function to avoid leaks.
func (s *RoomService) Subscribe(_ context.Context, roomCode string, topic bus.Topic) (<-chan bus.Event, func(), error) {
	if _, ok := s.rooms.Get(roomCode); !ok {
		return nil, nil, domain.ErrRoomNotFound
	}
	ch, cancel := s.broker.Subscribe(roomCode, topic)
	return ch, cancel, nil
}

func (s *RoomService) boundTimeLimit(limitSec int) int {
	if limitSec < s.opts.MinTimeLimitSec {
		return s.opts.MinTimeLimitSec
	}
	if limitSec > s.opts.MaxTimeLimitSec {
		return s.opts.MaxTimeLimitSec
	}
	return limitSec
}

func (s *RoomService) publish(event bus.Event) {
	for _, p := range s.publishers {
		p.Publish(event)
	}
}

func (s *RoomService) publishRoom(room domain.Room) {
	s.publish(bus.Event{RoomCode: room.Code, Topic: bus.TopicRoom, Room: &room})
}

func (s *RoomService) publishProgress(session *RoomSession) {
	progress := session.progress()
	s.publish(bus.Event{RoomCode: progress.RoomCode, Topic: bus.TopicAnswers, Progress: &progress})
}

func sanitizeQuestion(question domain.Question) domain.Question {
	options := make([]domain.Option, len(question.Options))
	copy(options, question.Options)
	sort.Slice(options, func(i, j int) bool { return options[i].Label < options[j].Label })
	for i := range options {
		options[i].Correct = false
	}
	question.Options = options
	return question
}

func ptr[T any](v T) *T { return &v }
