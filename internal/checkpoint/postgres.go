package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores checkpoints as JSONB rows keyed by conversation id. The
// schema is managed by the db package migrations.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing connection pool. The caller owns the pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.ConversationID == "" {
		return fmt.Errorf("save checkpoint: empty conversation id")
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO checkpoints (conversation_id, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id)
		DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		cp.ConversationID, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, conversationID string) (*Checkpoint, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT state FROM checkpoints WHERE conversation_id = $1`,
		conversationID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (p *Postgres) Delete(ctx context.Context, conversationID string) error {
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
