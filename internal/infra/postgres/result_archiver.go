package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/mrtangpham/ap-quiz/internal/domain"
)

// ResultArchiver persists the final standings of an ended room. Sessions are
// in-memory while live; this is the durable record left behind once the room
// is gone.
type ResultArchiver struct {
	pool *pgxpool.Pool
}

func NewResultArchiver(pool *pgxpool.Pool) *ResultArchiver {
	return &ResultArchiver{pool: pool}
}

func (a *ResultArchiver) ArchiveResult(ctx context.Context, room domain.Room, leaderboard domain.Leaderboard) error {
	standings, err := json.Marshal(leaderboard.Entries)
	if err != nil {
		return fmt.Errorf("marshal standings: %w", err)
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO room_results (room_code, quiz_id, standings, ended_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (room_code) DO UPDATE
		SET quiz_id=EXCLUDED.quiz_id, standings=EXCLUDED.standings, ended_at=EXCLUDED.ended_at`,
		room.Code, room.QuizID, string(standings))
	if err != nil {
		return fmt.Errorf("insert room result: %w", err)
	}
	return nil
}
