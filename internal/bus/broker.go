// Package bus is the in-process change propagation fabric. Delivery is
// at-least-once and carries full snapshots, never diffs; consumers re-derive
// from the payload (or from authoritative state) on every notification.
package bus

import (
	"sync"

	"github.com/mrtangpham/ap-quiz/internal/domain"
)

// Topic identifies one change stream within a room.
type Topic string

const (
	// TopicRoom carries room snapshots after every state transition.
	TopicRoom Topic = "room"
	// TopicAnswers carries the answered/joined counter for the current question.
	TopicAnswers Topic = "answers"
	// TopicScores carries the recomputed leaderboard after each score event.
	TopicScores Topic = "scores"
)

// Event is one notification on a room's change stream. Exactly one payload
// field is set, matching Topic.
type Event struct {
	RoomCode    string                 `json:"roomCode"`
	Topic       Topic                  `json:"topic"`
	Room        *domain.Room           `json:"room,omitempty"`
	Progress    *domain.AnswerProgress `json:"progress,omitempty"`
	Leaderboard *domain.Leaderboard    `json:"leaderboard,omitempty"`
}

// Publisher is anything that can carry an event toward subscribers; the
// in-process Broker and the Redis event bridge both satisfy it.
type Publisher interface {
	Publish(Event)
}

type subKey struct {
	roomCode string
	topic    Topic
}

// Broker fans events out to all subscribers of a (room, topic) stream.
type Broker struct {
	mu   sync.RWMutex
	subs map[subKey]map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[subKey]map[chan Event]struct{})}
}

// Subscribe returns a channel of events for the stream plus a cancel func.
// The channel is buffered; Publish never blocks on it.
func (b *Broker) Subscribe(roomCode string, topic Topic) (<-chan Event, func()) {
	key := subKey{roomCode: roomCode, topic: topic}
	ch := make(chan Event, 8)

	b.mu.Lock()
	if b.subs[key] == nil {
		b.subs[key] = make(map[chan Event]struct{})
	}
	b.subs[key][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[key]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, key)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its stream. A slow
// subscriber has its oldest pending event dropped rather than blocking the
// broadcast; the replacement is always the freshest snapshot.
func (b *Broker) Publish(event Event) {
	key := subKey{roomCode: event.RoomCode, topic: event.Topic}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[key] {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- event
		}
	}
}
