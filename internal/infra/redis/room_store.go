package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mrtangpham/ap-quiz/internal/app"
	"github.com/mrtangpham/ap-quiz/internal/domain"
)

// RoomStore is a Redis-aware implementation of app.RoomStore.
// Notes:
//   - Sessions stay in a local in-memory map so the state machine keeps its
//     single-writer mutex semantics in-process.
//   - Redis marks room liveness, which lets a second instance detect that a
//     room code is taken even when the session lives elsewhere.
//   - Cross-instance change delivery is handled by the EventBridge, not here.
type RoomStore struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.RWMutex
	rooms  map[string]*app.RoomSession
}

func NewRoomStore(client *redis.Client, ttl time.Duration) *RoomStore {
	return &RoomStore{
		client: client,
		ttl:    ttl,
		rooms:  make(map[string]*app.RoomSession),
	}
}

func (s *RoomStore) Create(session *app.RoomSession) error {
	code := session.Code()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rooms[code]; ok && !existing.Ended() {
		return domain.ErrRoomCodeTaken
	}
	// SetNX guards against another instance holding the code.
	claimed, err := s.client.SetNX(context.Background(), s.key(code), "1", s.ttl).Result()
	if err == nil && !claimed {
		if _, local := s.rooms[code]; !local {
			return domain.ErrRoomCodeTaken
		}
		// Re-opening a code we own after the previous room ended.
		_ = s.client.Set(context.Background(), s.key(code), "1", s.ttl).Err()
	}
	s.rooms[code] = session
	return nil
}

func (s *RoomStore) Get(roomCode string) (*app.RoomSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.rooms[roomCode]
	return session, ok
}

func (s *RoomStore) Delete(roomCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomCode)
	_ = s.client.Del(context.Background(), s.key(roomCode)).Err()
}

func (s *RoomStore) key(roomCode string) string {
	return "room:live:" + roomCode
}
