package autosave

import (
	"context"
	"strings"
	"sync"
	"time"
)

// NoteStore is the persistence boundary of the engine. UpdateConditional must
// refuse the write with a VersionConflictError unless the stored version still
// equals expectedVersion, and must bump the version by exactly one on success.
type NoteStore interface {
	Get(ctx context.Context, id string) (Document, error)
	UpdateConditional(ctx context.Context, id, content string, expectedVersion int64) (Document, error)
}

// NoteCreator is implemented by stores that can create documents at version 1.
type NoteCreator interface {
	Create(ctx context.Context, id, content string) (Document, error)
}

type InMemoryNoteStore struct {
	mu   sync.Mutex
	docs map[string]Document
	now  func() time.Time
}

func NewInMemoryNoteStore() *InMemoryNoteStore {
	return &InMemoryNoteStore{
		docs: map[string]Document{},
		now:  time.Now,
	}
}

func (s *InMemoryNoteStore) Get(ctx context.Context, id string) (Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Document{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (s *InMemoryNoteStore) Create(ctx context.Context, id, content string) (Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Document{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.docs[id]; ok {
		return Document{}, &VersionConflictError{DocumentID: id, ExpectedVersion: 0, Current: current}
	}
	doc := Document{ID: id, Content: content, Version: 1, UpdatedAt: s.now().UTC()}
	s.docs[id] = doc
	return doc, nil
}

func (s *InMemoryNoteStore) UpdateConditional(ctx context.Context, id, content string, expectedVersion int64) (Document, error) {
	id = strings.TrimSpace(id)
	if id == "" || expectedVersion < 0 {
		return Document{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		return Document{}, &VersionConflictError{DocumentID: id, ExpectedVersion: expectedVersion, Current: current}
	}
	next := Document{ID: id, Content: content, Version: current.Version + 1, UpdatedAt: s.now().UTC()}
	s.docs[id] = next
	return next, nil
}

// Put stores doc as-is, overwriting any version check. It exists for seeding
// and for simulating writers outside the engine.
func (s *InMemoryNoteStore) Put(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = s.now().UTC()
	}
	s.docs[doc.ID] = doc
}
