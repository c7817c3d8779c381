package memory

import (
	"sync"

	"github.com/mrtangpham/ap-quiz/internal/app"
	"github.com/mrtangpham/ap-quiz/internal/domain"
)

// RoomStore is an in-memory implementation of app.RoomStore.
type RoomStore struct {
	mu    sync.RWMutex
	rooms map[string]*app.RoomSession
}

func NewRoomStore() *RoomStore {
	return &RoomStore{
		rooms: make(map[string]*app.RoomSession),
	}
}

// Create registers the session under its room code. A code held by an ended
// room is reusable; a live room keeps exclusive ownership of its code.
func (s *RoomStore) Create(session *app.RoomSession) error {
	code := session.Code()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rooms[code]; ok && !existing.Ended() {
		return domain.ErrRoomCodeTaken
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
}
