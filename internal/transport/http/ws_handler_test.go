package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrtangpham/ap-quiz/internal/app"
	"github.com/mrtangpham/ap-quiz/internal/bus"
	"github.com/mrtangpham/ap-quiz/internal/domain"
	"github.com/mrtangpham/ap-quiz/internal/infra/memory"
)

func TestWebSocketGameFlow(t *testing.T) {
	service := newTestService()
	server := newTestServer(service)
	defer server.Close()

	admin := dial(t, server, "/ws?role=admin&roomCode=AP2025")
	defer admin.Close()

	// Open the room.
	writeMsg(t, admin, "open_room", map[string]any{
		"quizId": "quiz-1", "roomCode": "AP2025", "secret": "s3cret",
	})
	waitFor(t, admin, "room")

	// Player joins with a durable client id.
	player := dial(t, server, "/ws?role=player&roomCode=AP2025&clientId=client-1&name=Alice")
	defer player.Close()
	joined := waitFor(t, player, "joined")
	participant, _ := joined["participant"].(map[string]any)
	if participant == nil || participant["nickname"] != "Alice" {
		t.Fatalf("unexpected joined payload: %+v", joined)
	}

	// Admin starts question 1; the player sees the question and countdown.
	writeMsg(t, admin, "start_question", map[string]any{"secret": "s3cret", "order": 1})
	question := waitFor(t, player, "question")
	questionID, _ := question["id"].(string)
	if questionID == "" {
		t.Fatalf("missing question id: %+v", question)
	}
	options, _ := question["options"].([]any)
	for _, raw := range options {
		option, _ := raw.(map[string]any)
		if correct, ok := option["correct"].(bool); ok && correct {
			t.Fatalf("correct flag leaked to player: %+v", option)
		}
	}
	tick := waitFor(t, player, "tick")
	if _, ok := tick["remainingMs"].(float64); !ok {
		t.Fatalf("missing remainingMs: %+v", tick)
	}

	// Player answers correctly.
	writeMsg(t, player, "answer", map[string]any{
		"questionId": questionID, "optionId": "o2", "latencyMs": 1500,
	})
	result := waitFor(t, player, "answer_result")
	if correct, _ := result["correct"].(bool); !correct {
		t.Fatalf("expected correct answer, got %+v", result)
	}

	// The admin view sees the refreshed leaderboard.
	lb := waitFor(t, admin, "leaderboard")
	entries, _ := lb["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected 1 leaderboard entry, got %+v", lb)
	}
}

func TestWebSocketBoardRole(t *testing.T) {
	service := newTestService()
	if _, err := service.OpenRoom(context.Background(), "quiz-1", "AP2025", "s3cret"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	server := newTestServer(service)
	defer server.Close()

	board := dial(t, server, "/ws?role=board&roomCode=AP2025")
	defer board.Close()

	room := waitFor(t, board, "room")
	if room["status"] != string(domain.StatusWaiting) {
		t.Fatalf("unexpected board room state: %+v", room)
	}
	waitFor(t, board, "leaderboard")
}

func TestWebSocketRejectsIncompletePlayer(t *testing.T) {
	server := newTestServer(newTestService())
	defer server.Close()

	u := "ws" + server.URL[len("http"):] + "/ws?role=player&roomCode=AP2025"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("expected dial to fail without clientId and name")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func newTestService() *app.RoomService {
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{
		"quiz-1": {
			ID: "quiz-1",
			Questions: []domain.Question{
				{
					ID:           "q1",
					Order:        1,
					Prompt:       "What is 2 + 2?",
					TimeLimitSec: 10,
					Options: []domain.Option{
						{ID: "o1", Label: "A", Text: "3"},
						{ID: "o2", Label: "B", Text: "4", Correct: true},
						{ID: "o3", Label: "C", Text: "5"},
						{ID: "o4", Label: "D", Text: "22"},
					},
				},
			},
		},
	}), time.Minute)
	return app.NewRoomService(memory.NewRoomStore(), quizzes, bus.NewBroker(), app.Options{})
}

func newTestServer(service *app.RoomService) *httptest.Server {
	handler := NewWSHandler(service, 20*time.Millisecond)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.ServeWS)
	return httptest.NewServer(mux)
}

func dial(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + server.URL[len("http"):] + path
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, msgType string, payload map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": msgType, "payload": payload}); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

// waitFor reads frames until one of the wanted type arrives.
func waitFor(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var msg struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		_ = conn.SetReadDeadline(deadline)
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg.Type == "error" && want != "error" {
			t.Fatalf("waiting for %s, got error: %+v", want, msg.Payload)
		}
		if msg.Type == want {
			return msg.Payload
		}
	}
}
