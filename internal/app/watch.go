package app

import (
	"context"
	"time"

	"github.com/mrtangpham/ap-quiz/internal/bus"
	"github.com/mrtangpham/ap-quiz/internal/domain"
)

// WatchRoom delivers room snapshots from two independent producers feeding
// one consumer: the propagation bus and, for a bounded warm-up window after
// subscribing, a periodic poll of authoritative state. The poll covers
// notifications lost to a dropped connection right after subscribing.
// Duplicates are suppressed by snapshot equality, so the consumer sees each
// distinct room state once regardless of which producer won the race.
//
// The channel closes when ctx is canceled. The first value is the current
// snapshot.
func (s *RoomService) WatchRoom(ctx context.Context, roomCode string) (<-chan domain.Room, error) {
	session, ok := s.rooms.Get(roomCode)
	if !ok {
		return nil, domain.ErrRoomNotFound
	}

	events, cancel := s.broker.Subscribe(roomCode, bus.TopicRoom)
	out := make(chan domain.Room, 8)

	go func() {
		defer close(out)
		defer cancel()

		last := session.Snapshot()
		out <- last

		poll := time.NewTicker(s.opts.PollInterval)
		defer poll.Stop()
		pollDeadline := time.NewTimer(s.opts.PollWindow)
		defer pollDeadline.Stop()
		polling := true

		emit := func(room domain.Room) {
			if room == last {
				return
			}
			last = room
			select {
			case out <- room:
			case <-ctx.Done():
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if event.Room != nil {
					emit(*event.Room)
				}
			case <-pollDeadline.C:
				polling = false
				poll.Stop()
			case <-poll.C:
				if !polling {
					continue
				}
				emit(session.Snapshot())
			}
		}
	}()
	return out, nil
}
