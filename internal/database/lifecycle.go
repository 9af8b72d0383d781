// internal/database/lifecycle.go
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/cambia-host/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS lifecycle_events (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT        NOT NULL,
	game_id     UUID,
	lobby_id    UUID,
	hub_id      UUID,
	members     UUID[]      NOT NULL DEFAULT '{}',
	reason      TEXT        NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS lifecycle_events_game_idx ON lifecycle_events (game_id);
CREATE TABLE IF NOT EXISTS games (
	id         UUID PRIMARY KEY,
	lobby_id   UUID,
	hub_id     UUID,
	status     TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	start_time TIMESTAMPTZ,
	end_time   TIMESTAMPTZ
);
`

// Store persists lifecycle records.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the tables the historian writes to.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// InsertLifecycleRecords writes a batch of records in one transaction and
// keeps the games table's status in step with them.
func (s *Store) InsertLifecycleRecords(ctx context.Context, recs []models.LifecycleRecord) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range recs {
			if err := insertLifecycleTx(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tx insert lifecycle records: %w", err)
	}
	return nil
}

func insertLifecycleTx(ctx context.Context, tx pgx.Tx, rec models.LifecycleRecord) error {
	at := time.UnixMilli(rec.Timestamp).UTC()
	members := rec.Members
	if members == nil {
		members = []uuid.UUID{}
	}

	q := `
		INSERT INTO lifecycle_events (kind, game_id, lobby_id, hub_id, members, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.Exec(ctx, q, string(rec.Kind), nullUUID(rec.GameID), nullUUID(rec.LobbyID), nullUUID(rec.HubID), members, rec.Reason, at); err != nil {
		return fmt.Errorf("insert lifecycle event: %w", err)
	}

	status, ok := gameStatus[rec.Kind]
	if !ok || rec.GameID == uuid.Nil {
		return nil
	}
	upsert := `
		INSERT INTO games (id, lobby_id, hub_id, status, reason, start_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET status = $4, reason = $5,
			start_time = CASE WHEN $4 = 'in_progress' THEN $6 ELSE games.start_time END,
			end_time = CASE WHEN $4 IN ('completed', 'aborted') THEN $6 ELSE games.end_time END
	`
	if _, err := tx.Exec(ctx, upsert, rec.GameID, nullUUID(rec.LobbyID), nullUUID(rec.HubID), status, rec.Reason, at); err != nil {
		return fmt.Errorf("upsert game: %w", err)
	}
	return nil
}

var gameStatus = map[models.LifecycleKind]string{
	models.LifecycleGamePending:   "pending",
	models.LifecycleGameStarted:   "in_progress",
	models.LifecycleGameCompleted: "completed",
	models.LifecycleGameAborted:   "aborted",
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
