package autosave

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type NoteStoreFactory func(dsn string) (NoteStore, error)

var noteStoreRegistry = struct {
	mu        sync.RWMutex
	factories map[string]NoteStoreFactory
}{
	factories: map[string]NoteStoreFactory{},
}

// RegisterNoteStoreFactory makes BuildNoteStoreFromDSN hand DSNs with the
// given scheme to factory. Registered schemes take precedence over the
// built-in ones.
func RegisterNoteStoreFactory(scheme string, factory NoteStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	noteStoreRegistry.mu.Lock()
	defer noteStoreRegistry.mu.Unlock()
	noteStoreRegistry.factories[scheme] = factory
}

func lookupNoteStoreFactory(scheme string) (NoteStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	noteStoreRegistry.mu.RLock()
	defer noteStoreRegistry.mu.RUnlock()
	factory, ok := noteStoreRegistry.factories[scheme]
	return factory, ok
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildNoteStoreFromDSN picks a store by DSN scheme. An empty DSN yields an
// in-memory store; a bare path is treated as a JSON file store.
func BuildNoteStoreFromDSN(dsn string) (NoteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryNoteStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupNoteStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileNoteStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryNoteStore(), nil
	case "postgres", "postgresql":
		return NewPostgresNoteStore(dsn)
	case "sqlite", "sqlite3", "http", "https":
		return nil, fmt.Errorf("%w: note store %s (driver not linked)", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported note store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
