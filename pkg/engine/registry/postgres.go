package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/voicebridge/voicebridge/pkg/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore persists session records in a sessions table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore runs migrations and opens a connection pool.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := migrate(dsn); err != nil {
		return nil, core.NewConnectionError("postgres", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, core.NewConnectionError("postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, core.NewConnectionError("postgres", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

const sessionColumns = `id, provider, strategy, state, carrier, call_id, reason, created_at, updated_at`

func (s *PostgresStore) CreateSession(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state, reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.Provider, rec.Strategy, rec.State, rec.Carrier, rec.CallID, rec.Reason,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return core.NewConnectionError("postgres", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id).Scan(
		&rec.ID, &rec.Provider, &rec.Strategy, &rec.State, &rec.Carrier, &rec.CallID,
		&rec.Reason, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, core.NewSessionNotFound(id)
	}
	if err != nil {
		return Record{}, core.NewConnectionError("postgres", err)
	}
	return rec, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, rec Record) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET provider = $2, strategy = $3, state = $4, carrier = $5, call_id = $6,
			reason = $7, updated_at = $8
		WHERE id = $1`,
		rec.ID, rec.Provider, rec.Strategy, rec.State, rec.Carrier, rec.CallID,
		rec.Reason, rec.UpdatedAt)
	if err != nil {
		return core.NewConnectionError("postgres", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewSessionNotFound(rec.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return core.NewConnectionError("postgres", err)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, core.NewConnectionError("postgres", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Provider, &rec.Strategy, &rec.State, &rec.Carrier,
			&rec.CallID, &rec.Reason, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, core.NewConnectionError("postgres", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewConnectionError("postgres", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
