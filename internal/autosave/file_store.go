package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// JSONFileNoteStore keeps every document in one JSON snapshot that is
// rewritten through a temp file and rename after each change.
type JSONFileNoteStore struct {
	path string
	mu   sync.Mutex
	docs map[string]Document
	now  func() time.Time
}

type jsonFileNoteStoreState struct {
	Documents []Document `json:"documents"`
}

func NewJSONFileNoteStore(path string) (*JSONFileNoteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &JSONFileNoteStore{
		path: path,
		docs: map[string]Document{},
		now:  time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONFileNoteStore) Get(ctx context.Context, id string) (Document, error) {
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

func (s *JSONFileNoteStore) Create(ctx context.Context, id, content string) (Document, error) {
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
	if err := s.saveLocked(); err != nil {
		delete(s.docs, id)
		return Document{}, &TransientError{Op: "file create", Err: err}
	}
	return doc, nil
}

func (s *JSONFileNoteStore) UpdateConditional(ctx context.Context, id, content string, expectedVersion int64) (Document, error) {
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
	if err := s.saveLocked(); err != nil {
		s.docs[id] = current
		return Document{}, &TransientError{Op: "file update", Err: err}
	}
	return next, nil
}

func (s *JSONFileNoteStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot jsonFileNoteStoreState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for _, doc := range snapshot.Documents {
		if doc.ID == "" {
			continue
		}
		s.docs[doc.ID] = doc
	}
	return nil
}

func (s *JSONFileNoteStore) saveLocked() error {
	snapshot := jsonFileNoteStoreState{
		Documents: make([]Document, 0, len(s.docs)),
	}
	for _, doc := range s.docs {
		snapshot.Documents = append(snapshot.Documents, doc)
	}
	sort.Slice(snapshot.Documents, func(i, j int) bool {
		return snapshot.Documents[i].ID < snapshot.Documents[j].ID
	})
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
