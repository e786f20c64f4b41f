package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/example/care-sync/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate executes the SQL file at path. The shipped migrations are
// idempotent, so running it on every start is safe.
func (p *PostgresStore) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply %s: %w", path, err)
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, userID string) ([]models.CacheEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT entry FROM request_cache WHERE user_id = $1 ORDER BY request_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query request cache: %w", err)
	}
	defer rows.Close()
	var out []models.CacheEntry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan request cache: %w", err)
		}
		var e models.CacheEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode request cache row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Save(ctx context.Context, userID string, entries []models.CacheEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin request cache tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM request_cache WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear request cache: %w", err)
	}
	for _, e := range sortEntries(entries) {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode cached request %s: %w", e.Request.ID, err)
		}
		var acceptedAt sql.NullInt64
		if e.AcceptedAt > 0 {
			acceptedAt = sql.NullInt64{Int64: e.AcceptedAt, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_cache(user_id, request_id, status, entry, accepted_at, updated_at) VALUES($1,$2,$3,$4,$5,$6)`,
			userID, e.Request.ID, string(e.Request.Status), b, acceptedAt, e.UpdatedAt); err != nil {
			return fmt.Errorf("insert cached request %s: %w", e.Request.ID, err)
		}
	}
	return tx.Commit()
}
