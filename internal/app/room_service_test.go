package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrtangpham/ap-quiz/internal/app"
	"github.com/mrtangpham/ap-quiz/internal/bus"
	"github.com/mrtangpham/ap-quiz/internal/domain"
	"github.com/mrtangpham/ap-quiz/internal/infra/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestService(clock *fakeClock) *app.RoomService {
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(testQuizzes()), 5*time.Minute)
	service := app.NewRoomService(memory.NewRoomStore(), quizzes, bus.NewBroker(), app.Options{})
	if clock != nil {
		service.WithClock(clock.Now)
	}
	return service
}

func testQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Two rounds",
			Questions: []domain.Question{
				{
					ID:           "q1",
					Order:        1,
					Prompt:       "Pick B",
					TimeLimitSec: 10,
					Options: []domain.Option{
						{ID: "q1a", Label: "A", Text: "wrong"},
						{ID: "q1b", Label: "B", Text: "right", Correct: true},
						{ID: "q1c", Label: "C", Text: "wrong"},
						{ID: "q1d", Label: "D", Text: "wrong"},
					},
				},
				{
					ID:           "q2",
					Order:        2,
					Prompt:       "Pick C",
					TimeLimitSec: 10,
					Options: []domain.Option{
						{ID: "q2a", Label: "A", Text: "wrong"},
						{ID: "q2b", Label: "B", Text: "wrong"},
						{ID: "q2c", Label: "C", Text: "right", Correct: true},
						{ID: "q2d", Label: "D", Text: "wrong"},
					},
				},
			},
		},
		"quiz-empty": {ID: "quiz-empty", Title: "No questions"},
	}
}

func TestOpenRoom(t *testing.T) {
	ctx := context.Background()
	service := newTestService(nil)

	room, err := service.OpenRoom(ctx, "quiz-1", "AP2025", "s3cret")
	if err != nil {
		t.Fatalf("open room: %v", err)
	}
	if room.Status != domain.StatusWaiting || room.Code != "AP2025" {
		t.Fatalf("unexpected room: %+v", room)
	}

	if _, err := service.OpenRoom(ctx, "quiz-1", "AP2025", "other"); !errors.Is(err, domain.ErrRoomCodeTaken) {
		t.Fatalf("expected code taken, got %v", err)
	}
	if _, err := service.OpenRoom(ctx, "quiz-empty", "EMPTY", "s3cret"); !errors.Is(err, domain.ErrInvalidQuiz) {
		t.Fatalf("expected invalid quiz, got %v", err)
	}

	// An ended room releases its code.
	if _, err := service.EndGame(ctx, "AP2025", "s3cret"); err != nil {
		t.Fatalf("end game: %v", err)
	}
	if _, err := service.OpenRoom(ctx, "quiz-1", "AP2025", "fresh"); err != nil {
		t.Fatalf("reopen after end: %v", err)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	service := newTestService(nil)
	mustOpen(t, service, "AP2025", "s3cret")

	first, err := service.Join(ctx, "AP2025", "Alice", "client-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	second, err := service.Join(ctx, "AP2025", "Alice", "client-1")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same participant id, got %s and %s", first.ID, second.ID)
	}

	progress, err := service.Progress(ctx, "AP2025")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Joined != 1 {
		t.Fatalf("expected 1 joined participant, got %d", progress.Joined)
	}

	if _, err := service.Join(ctx, "NOPE", "Bob", "client-2"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
}

func TestStartQuestionAuthorization(t *testing.T) {
	ctx := context.Background()
	service := newTestService(nil)
	mustOpen(t, service, "AP2025", "s3cret")

	if _, err := service.StartQuestion(ctx, "AP2025", "wrong", 1); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 99); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected question not found, got %v", err)
	}

	room, err := service.StartQuestion(ctx, "AP2025", "s3cret", 1)
	if err != nil {
		t.Fatalf("start question: %v", err)
	}
	if room.Status != domain.StatusRunning || room.CurrentQuestionOrder != 1 || room.CurrentQuestionID != "q1" {
		t.Fatalf("unexpected room after start: %+v", room)
	}
	if room.QuestionStartAt.IsZero() {
		t.Fatalf("expected question_start_at to be set")
	}
}

func TestQuestionOrderNeverDecreases(t *testing.T) {
	ctx := context.Background()
	service := newTestService(nil)
	mustOpen(t, service, "AP2025", "s3cret")

	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 2); err != nil {
		t.Fatalf("start q2: %v", err)
	}
	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 1); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected rewind rejected, got %v", err)
	}

	room, err := service.Room(ctx, "AP2025")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	if room.CurrentQuestionOrder != 2 {
		t.Fatalf("order rolled back to %d", room.CurrentQuestionOrder)
	}

	// Re-triggering the same order is the retry path and resets the clock.
	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 2); err != nil {
		t.Fatalf("restart same order: %v", err)
	}
}

func TestSubmitAnswerScoresOnce(t *testing.T) {
	ctx := context.Background()
	service := newTestService(nil)
	mustOpen(t, service, "AP2025", "s3cret")

	p, err := service.Join(ctx, "AP2025", "Alice", "client-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 1); err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := service.SubmitAnswer(ctx, "AP2025", p.ID, "q1", "q1b", 3000)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Correct || result.Awarded != 10 || result.TotalScore != 10 {
		t.Fatalf("expected full points, got %+v", result)
	}

	if _, err := service.SubmitAnswer(ctx, "AP2025", p.ID, "q1", "q1a", 4000); !errors.Is(err, domain.ErrAlreadyAnswered) {
		t.Fatalf("expected already answered, got %v", err)
	}
	lb, _ := service.Leaderboard(ctx, "AP2025")
	if len(lb.Entries) != 1 || lb.Entries[0].TotalPoints != 10 {
		t.Fatalf("duplicate submission changed the score: %+v", lb.Entries)
	}
}

func TestConcurrentSubmissionsScoreExactlyOnce(t *testing.T) {
	ctx := context.Background()
	service := newTestService(nil)
	mustOpen(t, service, "AP2025", "s3cret")

	p, err := service.Join(ctx, "AP2025", "Alice", "client-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 1); err != nil {
		t.Fatalf("start: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.SubmitAnswer(ctx, "AP2025", p.ID, "q1", "q1b", 1000)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, domain.ErrAlreadyAnswered):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 || rejected != attempts-1 {
		t.Fatalf("expected 1 accepted / %d rejected, got %d / %d", attempts-1, accepted, rejected)
	}
	lb, _ := service.Leaderboard(ctx, "AP2025")
	if len(lb.Entries) != 1 || lb.Entries[0].TotalPoints != 10 {
		t.Fatalf("expected a single 10-point score, got %+v", lb.Entries)
	}
}

func TestDeadlineIsEnforcedServerSide(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	service := newTestService(clock)
	mustOpen(t, service, "AP2025", "s3cret")

	p, err := service.Join(ctx, "AP2025", "Alice", "client-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 1); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.Advance(11 * time.Second)
	// The caller-supplied latency claims an in-time answer; the server clock
	// says otherwise.
	if _, err := service.SubmitAnswer(ctx, "AP2025", p.ID, "q1", "q1b", 500); !errors.Is(err, domain.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	lb, _ := service.Leaderboard(ctx, "AP2025")
	if len(lb.Entries) != 0 {
		t.Fatalf("late answer produced a score: %+v", lb.Entries)
	}
}

func TestStaleQuestionRejected(t *testing.T) {
	ctx := context.Background()
	service := newTestService(nil)
	mustOpen(t, service, "AP2025", "s3cret")

	p, err := service.Join(ctx, "AP2025", "Alice", "client-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 1); err != nil {
		t.Fatalf("start q1: %v", err)
	}
	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 2); err != nil {
		t.Fatalf("start q2: %v", err)
	}

	if _, err := service.SubmitAnswer(ctx, "AP2025", p.ID, "q1", "q1b", 1000); !errors.Is(err, domain.ErrStaleQuestion) {
		t.Fatalf("expected stale question, got %v", err)
	}
}

func TestLatencyIsClamped(t *testing.T) {
	ctx := context.Background()
	service := newTestService(nil)
	mustOpen(t, service, "AP2025", "s3cret")

	p, err := service.Join(ctx, "AP2025", "Alice", "client-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	// A negative latency from a skewed client clock is stored as zero and
	// does not affect scoring.
	result, err := service.SubmitAnswer(ctx, "AP2025", p.ID, "q1", "q1b", -250)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Correct || result.Awarded != 10 {
		t.Fatalf("expected full points, got %+v", result)
	}
}

func TestLeaderboardDeterministicTieBreak(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	service := newTestService(clock)
	mustOpen(t, service, "AP2025", "s3cret")

	alice, _ := service.Join(ctx, "AP2025", "Alice", "client-1")
	clock.Advance(time.Second)
	bob, _ := service.Join(ctx, "AP2025", "Bob", "client-2")

	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Bob answers first but both end up with the same total; Alice joined
	// earlier so she ranks above him.
	if _, err := service.SubmitAnswer(ctx, "AP2025", bob.ID, "q1", "q1b", 1000); err != nil {
		t.Fatalf("bob submit: %v", err)
	}
	if _, err := service.SubmitAnswer(ctx, "AP2025", alice.ID, "q1", "q1b", 2000); err != nil {
		t.Fatalf("alice submit: %v", err)
	}

	for i := 0; i < 5; i++ {
		lb, err := service.Leaderboard(ctx, "AP2025")
		if err != nil {
			t.Fatalf("leaderboard: %v", err)
		}
		if len(lb.Entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(lb.Entries))
		}
		if lb.Entries[0].ParticipantID != alice.ID || lb.Entries[0].Rank != 1 {
			t.Fatalf("expected Alice first on tie, got %+v", lb.Entries)
		}
		if lb.Entries[1].ParticipantID != bob.ID || lb.Entries[1].Rank != 2 {
			t.Fatalf("expected Bob second, got %+v", lb.Entries)
		}
	}
}

func TestEndGameIsTerminal(t *testing.T) {
	ctx := context.Background()
	service := newTestService(nil)
	mustOpen(t, service, "AP2025", "s3cret")

	if _, err := service.EndGame(ctx, "AP2025", "wrong"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	room, err := service.EndGame(ctx, "AP2025", "s3cret")
	if err != nil {
		t.Fatalf("end game: %v", err)
	}
	if room.Status != domain.StatusEnded || room.CurrentQuestionID != "" || !room.QuestionStartAt.IsZero() {
		t.Fatalf("unexpected ended room: %+v", room)
	}

	if _, err := service.EndGame(ctx, "AP2025", "s3cret"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state on double end, got %v", err)
	}
	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 1); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state after end, got %v", err)
	}

	// Late joiners can still view the leaderboard.
	if _, err := service.Join(ctx, "AP2025", "Carol", "client-9"); err != nil {
		t.Fatalf("join ended room: %v", err)
	}
}

func TestTwoQuestionGame(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	service := newTestService(clock)
	mustOpen(t, service, "AP2025", "s3cret")

	p1, _ := service.Join(ctx, "AP2025", "P1", "client-1")
	clock.Advance(time.Second)
	p2, _ := service.Join(ctx, "AP2025", "P2", "client-2")

	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 1); err != nil {
		t.Fatalf("start q1: %v", err)
	}
	clock.Advance(3 * time.Second)
	if r, err := service.SubmitAnswer(ctx, "AP2025", p1.ID, "q1", "q1b", 3000); err != nil || r.Awarded != 10 {
		t.Fatalf("p1 q1: %+v %v", r, err)
	}
	clock.Advance(time.Second)
	if r, err := service.SubmitAnswer(ctx, "AP2025", p2.ID, "q1", "q1a", 4000); err != nil || r.Awarded != 0 {
		t.Fatalf("p2 q1: %+v %v", r, err)
	}

	// Admin advances before the 10s limit elapses; q1 is now stale.
	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 2); err != nil {
		t.Fatalf("start q2: %v", err)
	}
	if _, err := service.SubmitAnswer(ctx, "AP2025", p2.ID, "q1", "q1b", 5000); !errors.Is(err, domain.ErrStaleQuestion) {
		t.Fatalf("expected stale q1, got %v", err)
	}

	clock.Advance(2 * time.Second)
	if r, err := service.SubmitAnswer(ctx, "AP2025", p1.ID, "q2", "q2c", 2000); err != nil || r.Awarded != 10 {
		t.Fatalf("p1 q2: %+v %v", r, err)
	}
	if r, err := service.SubmitAnswer(ctx, "AP2025", p2.ID, "q2", "q2c", 2500); err != nil || r.Awarded != 10 {
		t.Fatalf("p2 q2: %+v %v", r, err)
	}

	if _, err := service.EndGame(ctx, "AP2025", "s3cret"); err != nil {
		t.Fatalf("end: %v", err)
	}

	lb, err := service.Leaderboard(ctx, "AP2025")
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(lb.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", lb.Entries)
	}
	if lb.Entries[0].ParticipantID != p1.ID || lb.Entries[0].TotalPoints != 20 {
		t.Fatalf("expected P1 leading with 20, got %+v", lb.Entries[0])
	}
	if lb.Entries[1].ParticipantID != p2.ID || lb.Entries[1].TotalPoints != 10 {
		t.Fatalf("expected P2 with 10, got %+v", lb.Entries[1])
	}
}

func TestScoreEventsReachSubscribers(t *testing.T) {
	ctx := context.Background()
	service := newTestService(nil)
	mustOpen(t, service, "AP2025", "s3cret")

	events, cancel, err := service.Subscribe(ctx, "AP2025", bus.TopicScores)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	p, _ := service.Join(ctx, "AP2025", "Alice", "client-1")
	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := service.SubmitAnswer(ctx, "AP2025", p.ID, "q1", "q1b", 1000); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case event := <-events:
		if event.Leaderboard == nil || len(event.Leaderboard.Entries) != 1 {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a scores event")
	}
}

func TestCurrentQuestionHidesCorrectness(t *testing.T) {
	ctx := context.Background()
	service := newTestService(nil)
	mustOpen(t, service, "AP2025", "s3cret")

	if _, err := service.CurrentQuestion(ctx, "AP2025"); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected no current question, got %v", err)
	}
	if _, err := service.StartQuestion(ctx, "AP2025", "s3cret", 1); err != nil {
		t.Fatalf("start: %v", err)
	}

	question, err := service.CurrentQuestion(ctx, "AP2025")
	if err != nil {
		t.Fatalf("current question: %v", err)
	}
	for _, option := range question.Options {
		if option.Correct {
			t.Fatalf("correct flag leaked: %+v", option)
		}
	}
	for i := 1; i < len(question.Options); i++ {
		if question.Options[i-1].Label > question.Options[i].Label {
			t.Fatalf("options not sorted by label: %+v", question.Options)
		}
	}
}

func mustOpen(t *testing.T, service *app.RoomService, code, secret string) {
	t.Helper()
	if _, err := service.OpenRoom(context.Background(), "quiz-1", code, secret); err != nil {
		t.Fatalf("open room: %v", err)
	}
}
