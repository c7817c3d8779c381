package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrtangpham/ap-quiz/internal/app"
	"github.com/mrtangpham/ap-quiz/internal/bus"
	"github.com/mrtangpham/ap-quiz/internal/countdown"
	"github.com/mrtangpham/ap-quiz/internal/domain"
)

// WSHandler upgrades HTTP requests to websockets and wires them into the
// session use cases. Three roles share the endpoint: players join and answer,
// admins drive the room lifecycle, boards watch standings without joining.
type WSHandler struct {
	service  *app.RoomService
	tick     time.Duration
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.RoomService, tick time.Duration) *WSHandler {
	if tick <= 0 {
		tick = countdown.DefaultTick
	}
	return &WSHandler{
		service: service,
		tick:    tick,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type openRoomPayload struct {
	QuizID   string `json:"quizId"`
	RoomCode string `json:"roomCode"`
	Secret   string `json:"secret"`
}

type startQuestionPayload struct {
	Secret string `json:"secret"`
	Order  int    `json:"order"`
}

type endGamePayload struct {
	Secret string `json:"secret"`
}

type answerPayload struct {
	QuestionID string `json:"questionId"`
	OptionID   string `json:"optionId"`
	LatencyMS  int64  `json:"latencyMs"`
}

type joinedPayload struct {
	Participant domain.Participant `json:"participant"`
	Room        domain.Room        `json:"room"`
}

type tickPayload struct {
	QuestionID  string `json:"questionId"`
	RemainingMS int64  `json:"remainingMs"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// wsConn is the state of one websocket connection.
type wsConn struct {
	handler  *WSHandler
	roomCode string
	send     chan outboundMessage[any]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	streaming      bool
	cancelTicker   context.CancelFunc
	currentSeenKey tickerKey
}

// tickerKey identifies one question run; a restarted question gets a new
// start instant and therefore a fresh countdown.
type tickerKey struct {
	questionID string
	startAt    time.Time
}

// ServeWS upgrades the request and runs the connection until the peer
// disconnects.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomCode := r.URL.Query().Get("roomCode")
	role := r.URL.Query().Get("role")
	if role == "" {
		role = "player"
	}
	clientID := r.URL.Query().Get("clientId")
	nickname := r.URL.Query().Get("name")

	if role == "player" && (roomCode == "" || clientID == "" || nickname == "") {
		http.Error(w, "missing roomCode, clientId, or name", http.StatusBadRequest)
		return
	}
	if role == "board" && roomCode == "" {
		http.Error(w, "missing roomCode", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		handler:  h,
		roomCode: roomCode,
		send:     make(chan outboundMessage[any], 32),
		ctx:      ctx,
		cancel:   cancel,
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range c.send {
			if err := ws.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				cancel()
				return
			}
		}
	}()

	var participant domain.Participant
	switch role {
	case "player":
		participant, err = h.service.Join(ctx, roomCode, nickname, clientID)
		if err != nil {
			c.trySend(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		} else {
			room, _ := h.service.Room(ctx, roomCode)
			c.trySend(outboundMessage[any]{Type: "joined", Payload: joinedPayload{Participant: participant, Room: room}})
			c.startStreams()
		}
	case "admin":
		// The room may not exist yet; streams start after open_room.
		if _, err := h.service.Room(ctx, roomCode); err == nil {
			c.sendBoardState()
			c.startStreams()
		}
	case "board":
		if _, err := h.service.Room(ctx, roomCode); err != nil {
			c.trySend(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		} else {
			c.sendBoardState()
			c.startStreams()
		}
	default:
		c.trySend(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unknown role"}})
	}

	for {
		var inbound inboundMessage
		if err := ws.ReadJSON(&inbound); err != nil {
			break
		}
		c.dispatch(inbound, role, &participant)
	}

	cancel()
	c.wg.Wait()
	close(c.send)
	<-writerDone
}

func (c *wsConn) dispatch(inbound inboundMessage, role string, participant *domain.Participant) {
	h := c.handler
	switch inbound.Type {
	case "open_room":
		if role != "admin" {
			c.sendError("open_room requires the admin role")
			return
		}
		var payload openRoomPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			c.sendError("invalid open_room payload")
			return
		}
		room, err := h.service.OpenRoom(c.ctx, payload.QuizID, payload.RoomCode, payload.Secret)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.roomCode = room.Code
		c.trySend(outboundMessage[any]{Type: "room", Payload: room})
		c.startStreams()

	case "start_question":
		if role != "admin" {
			c.sendError("start_question requires the admin role")
			return
		}
		var payload startQuestionPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			c.sendError("invalid start_question payload")
			return
		}
		if _, err := h.service.StartQuestion(c.ctx, c.roomCode, payload.Secret, payload.Order); err != nil {
			c.sendError(err.Error())
		}

	case "end_game":
		if role != "admin" {
			c.sendError("end_game requires the admin role")
			return
		}
		var payload endGamePayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			c.sendError("invalid end_game payload")
			return
		}
		if _, err := h.service.EndGame(c.ctx, c.roomCode, payload.Secret); err != nil {
			c.sendError(err.Error())
		}

	case "answer":
		if role != "player" || participant.ID == "" {
			c.sendError("answer requires a joined player")
			return
		}
		var payload answerPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			c.sendError("invalid answer payload")
			return
		}
		result, err := h.service.SubmitAnswer(c.ctx, c.roomCode, participant.ID, payload.QuestionID, payload.OptionID, payload.LatencyMS)
		if err != nil {
			// Duplicate submissions are consumed, not retried; the first
			// accepted answer stands.
			if errors.Is(err, domain.ErrAlreadyAnswered) {
				c.sendError("already answered")
				return
			}
			c.sendError(err.Error())
			return
		}
		c.trySend(outboundMessage[any]{Type: "answer_result", Payload: result})

	case "leaderboard":
		lb, err := h.service.Leaderboard(c.ctx, c.roomCode)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.trySend(outboundMessage[any]{Type: "leaderboard", Payload: lb})

	default:
		c.sendError("unsupported message type")
	}
}

// startStreams attaches the connection to the room's change streams: room
// snapshots (push plus bounded polling), answer progress and leaderboard.
// Idempotent; only the first call wires anything.
func (c *wsConn) startStreams() {
	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		return
	}
	c.streaming = true
	c.mu.Unlock()

	rooms, err := c.handler.service.WatchRoom(c.ctx, c.roomCode)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	progress, cancelProgress, err := c.handler.service.Subscribe(c.ctx, c.roomCode, bus.TopicAnswers)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	scores, cancelScores, err := c.handler.service.Subscribe(c.ctx, c.roomCode, bus.TopicScores)
	if err != nil {
		cancelProgress()
		c.sendError(err.Error())
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancelProgress()
		defer cancelScores()
		for {
			select {
			case <-c.ctx.Done():
				return
			case room, ok := <-rooms:
				if !ok {
					return
				}
				c.onRoomSnapshot(room)
			case event, ok := <-progress:
				if !ok {
					return
				}
				if event.Progress != nil {
					c.trySend(outboundMessage[any]{Type: "progress", Payload: *event.Progress})
				}
			case event, ok := <-scores:
				if !ok {
					return
				}
				if event.Leaderboard != nil {
					c.trySend(outboundMessage[any]{Type: "leaderboard", Payload: *event.Leaderboard})
				}
			}
		}
	}()
}

// onRoomSnapshot forwards the snapshot and manages the countdown: a new
// question run replaces the previous ticker, anything else stops it.
func (c *wsConn) onRoomSnapshot(room domain.Room) {
	c.trySend(outboundMessage[any]{Type: "room", Payload: room})

	if room.Status != domain.StatusRunning || room.CurrentQuestionID == "" {
		c.stopTicker()
		return
	}

	key := tickerKey{questionID: room.CurrentQuestionID, startAt: room.QuestionStartAt}
	c.mu.Lock()
	if c.currentSeenKey == key {
		c.mu.Unlock()
		return
	}
	c.currentSeenKey = key
	c.mu.Unlock()

	question, err := c.handler.service.CurrentQuestion(c.ctx, c.roomCode)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	c.trySend(outboundMessage[any]{Type: "question", Payload: question})

	c.stopTicker()
	tickCtx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.cancelTicker = cancel
	c.mu.Unlock()

	limit := time.Duration(question.TimeLimitSec) * time.Second
	ticks := countdown.Watch(tickCtx, room.QuestionStartAt, limit, c.handler.tick)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for remaining := range ticks {
			c.trySend(outboundMessage[any]{Type: "tick", Payload: tickPayload{
				QuestionID:  question.ID,
				RemainingMS: remaining.Milliseconds(),
			}})
		}
	}()
}

func (c *wsConn) stopTicker() {
	c.mu.Lock()
	if c.cancelTicker != nil {
		c.cancelTicker()
		c.cancelTicker = nil
	}
	c.mu.Unlock()
}

// sendBoardState pushes the current room, progress and leaderboard so a
// late subscriber starts from authoritative state instead of waiting for
// the next change.
func (c *wsConn) sendBoardState() {
	if room, err := c.handler.service.Room(c.ctx, c.roomCode); err == nil {
		c.trySend(outboundMessage[any]{Type: "room", Payload: room})
	}
	if progress, err := c.handler.service.Progress(c.ctx, c.roomCode); err == nil {
		c.trySend(outboundMessage[any]{Type: "progress", Payload: progress})
	}
	if lb, err := c.handler.service.Leaderboard(c.ctx, c.roomCode); err == nil {
		c.trySend(outboundMessage[any]{Type: "leaderboard", Payload: lb})
	}
}

func (c *wsConn) sendError(message string) {
	c.trySend(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: message}})
}

// trySend queues a message for the writer unless the connection is closing.
func (c *wsConn) trySend(msg outboundMessage[any]) {
	select {
	case <-c.ctx.Done():
	case c.send <- msg:
	}
}
