package autosave

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresNotesTableName   = "autosave_notes"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresNoteStore enforces the expected version inside the UPDATE itself,
// so two writers racing on the same base version cannot both succeed.
type PostgresNoteStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresNoteStore(dsn string) (*PostgresNoteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresNoteStore{
		dsn:       dsn,
		tableName: postgresNotesTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresNoteStore) Get(ctx context.Context, id string) (Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Document{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT content, version, updated_at FROM %s WHERE id = $1", postgresQuoteIdentifier(s.tableName))
	doc := Document{ID: id}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&doc.Content, &doc.Version, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresNoteStore) Create(ctx context.Context, id, content string) (Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Document{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, content, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (id) DO NOTHING
		RETURNING content, version, updated_at`, postgresQuoteIdentifier(s.tableName))
	doc := Document{ID: id}
	err := s.db.QueryRowContext(ctx, query, id, content).Scan(&doc.Content, &doc.Version, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, s.conflictFor(ctx, id, 0)
	}
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresNoteStore) UpdateConditional(ctx context.Context, id, content string, expectedVersion int64) (Document, error) {
	id = strings.TrimSpace(id)
	if id == "" || expectedVersion < 0 {
		return Document{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET content = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $3
		RETURNING content, version, updated_at`, postgresQuoteIdentifier(s.tableName))
	doc := Document{ID: id}
	err := s.db.QueryRowContext(ctx, query, id, content, expectedVersion).Scan(&doc.Content, &doc.Version, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, s.conflictFor(ctx, id, expectedVersion)
	}
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

// conflictFor explains a zero-row write: either the row is missing or its
// version moved.
func (s *PostgresNoteStore) conflictFor(ctx context.Context, id string, expectedVersion int64) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &VersionConflictError{DocumentID: id, ExpectedVersion: expectedVersion, Current: current}
}

func (s *PostgresNoteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresNoteStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				content TEXT NOT NULL,
				version BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
