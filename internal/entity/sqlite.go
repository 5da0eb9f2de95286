package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/crudgate/crudgate/internal/domain"
)

// Store is a SQLite-backed document store holding every locally served entity
// type in one table. Per-type repositories are views over it.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (or creates) the database at dsn and initializes the schema.
func NewStore(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS entities (
entity_type TEXT NOT NULL,
id TEXT NOT NULL,
data TEXT NOT NULL,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL,
PRIMARY KEY (entity_type, id)
)`)
	return err
}

// DB returns the underlying sqlx.DB for advanced operations.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Repo returns the Repository view for one entity type.
func (s *Store) Repo(entityType string) Repository {
	return &sqlRepository{store: s, entityType: entityType}
}

type sqlRepository struct {
	store      *Store
	entityType string
}

type entityRow struct {
	ID   string `db:"id"`
	Data string `db:"data"`
}

func (r *sqlRepository) GetAll(ctx context.Context) ([]Entity, error) {
	var rows []entityRow
	err := r.store.db.SelectContext(ctx, &rows,
		`SELECT id, data FROM entities WHERE entity_type = ? ORDER BY created_at, id`,
		r.entityType)
	if err != nil {
		return nil, domain.ErrCollaboratorFailure(err)
	}

	out := make([]Entity, 0, len(rows))
	for _, row := range rows {
		out = append(out, Entity{ID: row.ID, Data: json.RawMessage(row.Data)})
	}
	return out, nil
}

func (r *sqlRepository) GetByID(ctx context.Context, id string) (*Entity, error) {
	var row entityRow
	err := r.store.db.GetContext(ctx, &row,
		`SELECT id, data FROM entities WHERE entity_type = ? AND id = ?`,
		r.entityType, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(r.entityType, id)
	}
	if err != nil {
		return nil, domain.ErrCollaboratorFailure(err)
	}
	return &Entity{ID: row.ID, Data: json.RawMessage(row.Data)}, nil
}

func (r *sqlRepository) Create(ctx context.Context, input json.RawMessage) (*Entity, error) {
	id := idFromInput(input)
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := r.store.db.ExecContext(ctx,
		`INSERT INTO entities (entity_type, id, data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (entity_type, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		r.entityType, id, string(input), now, now)
	if err != nil {
		return nil, domain.ErrCollaboratorFailure(err)
	}
	return &Entity{ID: id, Data: input}, nil
}

func (r *sqlRepository) Update(ctx context.Context, id string, input json.RawMessage) (*Entity, error) {
	res, err := r.store.db.ExecContext(ctx,
		`UPDATE entities SET data = ?, updated_at = ? WHERE entity_type = ? AND id = ?`,
		string(input), time.Now().UTC(), r.entityType, id)
	if err != nil {
		return nil, domain.ErrCollaboratorFailure(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, domain.ErrCollaboratorFailure(err)
	}
	if n == 0 {
		return nil, notFound(r.entityType, id)
	}
	return &Entity{ID: id, Data: input}, nil
}

func (r *sqlRepository) Patch(ctx context.Context, id string, partial json.RawMessage) (*Entity, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	merged, err := mergePatch(current.Data, partial)
	if err != nil {
		return nil, domain.ErrCollaboratorFailure(err)
	}
	return r.Update(ctx, id, merged)
}

func (r *sqlRepository) Delete(ctx context.Context, id string) (*Entity, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.db.ExecContext(ctx,
		`DELETE FROM entities WHERE entity_type = ? AND id = ?`,
		r.entityType, id); err != nil {
		return nil, domain.ErrCollaboratorFailure(err)
	}
	return current, nil
}
