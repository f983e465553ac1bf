package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/lumiedu/lumi-live/pkg/session"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres is a durable session.Store keyed by a session id, so multiple
// learners can share one database.
type Postgres struct {
	pool      *pgxpool.Pool
	sessionID string
	log       zerolog.Logger
}

// OpenPostgres connects, runs pending migrations and scopes the store to
// sessionID.
func OpenPostgres(ctx context.Context, dsn, sessionID string, log zerolog.Logger) (*Postgres, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id must not be empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, sessionID: sessionID, log: log}, nil
}

func migrate(pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

// LoadMessages implements session.Store.
func (p *Postgres) LoadMessages(ctx context.Context) ([]session.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, role, text, image_data, is_favorite, is_flagged, created_at
		FROM messages
		WHERE session_id = $1
		ORDER BY created_at, id`, p.sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []session.Message
	for rows.Next() {
		var msg session.Message
		var image sql.NullString
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Text, &image,
			&msg.IsFavorite, &msg.IsFlagged, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ImageData = image.String
		out = append(out, msg)
	}
	return out, rows.Err()
}

// LoadStats implements session.Store.
func (p *Postgres) LoadStats(ctx context.Context) (session.LearningStats, bool, error) {
	var stats session.LearningStats
	var reason sql.NullString
	err := p.pool.QueryRow(ctx, `
		SELECT comprehension_score, difficulty, last_update_reason
		FROM learning_stats
		WHERE session_id = $1`, p.sessionID).
		Scan(&stats.ComprehensionScore, &stats.Difficulty, &reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.LearningStats{}, false, nil
	}
	if err != nil {
		return session.LearningStats{}, false, fmt.Errorf("load stats: %w", err)
	}
	stats.LastUpdateReason = reason.String
	return stats, true, nil
}

// SaveMessage implements session.Store.
func (p *Postgres) SaveMessage(ctx context.Context, msg session.Message) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO messages (id, session_id, role, text, image_data, is_favorite, is_flagged, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, p.sessionID, msg.Role, msg.Text, msg.ImageData,
		msg.IsFavorite, msg.IsFlagged, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// UpdateMessage implements session.Store. Only the toggle flags are mutable.
func (p *Postgres) UpdateMessage(ctx context.Context, msg session.Message) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE messages SET is_favorite = $1, is_flagged = $2
		WHERE id = $3 AND session_id = $4`,
		msg.IsFavorite, msg.IsFlagged, msg.ID, p.sessionID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s not found", msg.ID)
	}
	return nil
}

// SaveStats implements session.Store with an upsert.
func (p *Postgres) SaveStats(ctx context.Context, stats session.LearningStats) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO learning_stats (session_id, comprehension_score, difficulty, last_update_reason, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), now())
		ON CONFLICT (session_id) DO UPDATE SET
			comprehension_score = EXCLUDED.comprehension_score,
			difficulty = EXCLUDED.difficulty,
			last_update_reason = EXCLUDED.last_update_reason,
			updated_at = now()`,
		p.sessionID, stats.ComprehensionScore, stats.Difficulty, stats.LastUpdateReason)
	if err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	return nil
}
