// Package sqlitestore is a NoteStore backed by an embedded SQLite database.
// Importing it registers the sqlite:// scheme with autosave.BuildNoteStoreFromDSN.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/autosave/internal/autosave"
	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"
)

const DefaultTable = "autosave_notes"

func init() {
	factory := func(dsn string) (autosave.NoteStore, error) {
		return Open(context.Background(), dsnPath(dsn))
	}
	autosave.RegisterNoteStoreFactory("sqlite", factory)
	autosave.RegisterNoteStoreFactory("sqlite3", factory)
}

type Store struct {
	db    *sqlx.DB
	table string
	now   func() time.Time
}

type noteRow struct {
	ID        string `db:"id"`
	Content   string `db:"content"`
	Version   int64  `db:"version"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r noteRow) document() autosave.Document {
	return autosave.Document{
		ID:        r.ID,
		Content:   r.Content,
		Version:   r.Version,
		UpdatedAt: time.Unix(0, r.UpdatedAt).UTC(),
	}
}

// Open opens (or creates) the database at path and makes sure the notes table
// exists. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, autosave.ErrInvalidInput
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one connection: SQLite serializes writers anyway and :memory: is per connection
	db.SetMaxOpenConns(1)
	store := New(db, DefaultTable)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func New(db *sqlx.DB, table string) *Store {
	if strings.TrimSpace(table) == "" {
		table = DefaultTable
	}
	return &Store{db: db, table: table, now: time.Now}
}

func (s *Store) Migrate(ctx context.Context) error {
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			"id"         TEXT    NOT NULL PRIMARY KEY,
			"content"    TEXT    NOT NULL,
			"version"    INTEGER NOT NULL,
			"updated_at" INTEGER NOT NULL
		)`, quoteIdentifier(s.table))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (autosave.Document, error) {
	var row noteRow
	stmt := "SELECT id, content, version, updated_at FROM " + quoteIdentifier(s.table) + " WHERE id = ?"
	err := s.db.GetContext(ctx, &row, stmt, id)
	if errors.Is(err, sql.ErrNoRows) {
		return autosave.Document{}, autosave.ErrNotFound
	}
	if err != nil {
		return autosave.Document{}, fmt.Errorf("load note %s from database: %w", id, err)
	}
	return row.document(), nil
}

func (s *Store) Create(ctx context.Context, id, content string) (autosave.Document, error) {
	if strings.TrimSpace(id) == "" {
		return autosave.Document{}, autosave.ErrInvalidInput
	}
	now := s.now().UTC()
	stmt := "INSERT INTO " + quoteIdentifier(s.table) + " (id, content, version, updated_at) VALUES (?, ?, 1, ?) ON CONFLICT (id) DO NOTHING"
	res, err := s.db.ExecContext(ctx, stmt, id, content, now.UnixNano())
	if err != nil {
		return autosave.Document{}, fmt.Errorf("create note %s in database: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return autosave.Document{}, err
	}
	if affected == 0 {
		return autosave.Document{}, s.conflict(ctx, id, 0)
	}
	return autosave.Document{ID: id, Content: content, Version: 1, UpdatedAt: now}, nil
}

func (s *Store) UpdateConditional(ctx context.Context, id, content string, expectedVersion int64) (autosave.Document, error) {
	if strings.TrimSpace(id) == "" || expectedVersion < 0 {
		return autosave.Document{}, autosave.ErrInvalidInput
	}
	now := s.now().UTC()
	stmt := "UPDATE " + quoteIdentifier(s.table) + " SET content = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?"
	res, err := s.db.ExecContext(ctx, stmt, content, now.UnixNano(), id, expectedVersion)
	if err != nil {
		return autosave.Document{}, fmt.Errorf("update note %s@%d in database: %w", id, expectedVersion, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return autosave.Document{}, err
	}
	if affected == 0 {
		return autosave.Document{}, s.conflict(ctx, id, expectedVersion)
	}
	return autosave.Document{ID: id, Content: content, Version: expectedVersion + 1, UpdatedAt: now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) conflict(ctx context.Context, id string, expectedVersion int64) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &autosave.VersionConflictError{DocumentID: id, ExpectedVersion: expectedVersion, Current: current}
}

func dsnPath(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	for _, prefix := range []string{"sqlite3://", "sqlite://"} {
		if strings.HasPrefix(strings.ToLower(dsn), prefix) {
			return dsn[len(prefix):]
		}
	}
	return dsn
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
