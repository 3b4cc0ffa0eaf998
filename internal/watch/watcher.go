// Package watch turns a directory of note files into an autosave source:
// every file change schedules a save of that file through the engine.
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/autosave/internal/autosave"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

type Options struct {
	Root   string
	Engine *autosave.Engine
	// Store is used to look up a note the engine has not seen yet. When it
	// also implements autosave.NoteCreator, unknown notes are created.
	Store  autosave.NoteStore
	Logger *zerolog.Logger
}

type Watcher struct {
	root    string
	engine  *autosave.Engine
	store   autosave.NoteStore
	creator autosave.NoteCreator
	log     zerolog.Logger

	mu     sync.Mutex
	hashes map[string]string
}

func New(opts Options) (*Watcher, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	rootRaw := strings.TrimSpace(opts.Root)
	if rootRaw == "" {
		return nil, fmt.Errorf("root is required")
	}
	root, err := filepath.Abs(filepath.Clean(rootRaw))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "watch").Logger()
	}
	creator, _ := opts.Store.(autosave.NoteCreator)
	return &Watcher{
		root:    root,
		engine:  opts.Engine,
		store:   opts.Store,
		creator: creator,
		log:     log,
		hashes:  map[string]string{},
	}, nil
}

// ScanOnce schedules every file under the root whose content differs from
// what the engine last knew.
func (w *Watcher) ScanOnce(ctx context.Context) error {
	var errs []error
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path != w.root && ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if err := w.syncFile(ctx, path); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(errs...)
}

// Run scans the root once and then follows filesystem events until ctx is
// done. Failures on single files are logged and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	if err := w.ScanOnce(ctx); err != nil {
		w.log.Warn().Err(err).Msg("initial scan incomplete")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fw, ev)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	if ignored(filepath.Base(ev.Name)) {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		// Editors that save via rename leave nothing behind for the old name.
		return
	}
	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			if err := w.addTree(fw, ev.Name); err != nil {
				w.log.Warn().Err(err).Str("path", ev.Name).Msg("watch new directory failed")
			}
			// Files may have landed before the watch was in place.
			if err := w.scanDir(ctx, ev.Name); err != nil {
				w.log.Warn().Err(err).Str("path", ev.Name).Msg("scan new directory failed")
			}
		}
		return
	}
	if err := w.syncFile(ctx, ev.Name); err != nil {
		w.log.Warn().Err(err).Str("path", ev.Name).Msg("autosave schedule failed")
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && ignored(d.Name()) {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}

func (w *Watcher) scanDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || ignored(entry.Name()) {
			continue
		}
		if err := w.syncFile(ctx, filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// syncFile schedules the current content of path. A note that does not
// exist in the store yet is created from the file instead.
func (w *Watcher) syncFile(ctx context.Context, path string) error {
	documentID, err := w.documentID(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	content := string(data)
	hash := hashBytes(data)

	w.mu.Lock()
	seen := w.hashes[documentID] == hash
	w.mu.Unlock()
	if seen {
		return nil
	}

	base, ok := w.engine.Baseline(documentID)
	if !ok {
		base, err = w.store.Get(ctx, documentID)
		switch {
		case errors.Is(err, autosave.ErrNotFound) && w.creator != nil:
			doc, createErr := w.creator.Create(ctx, documentID, content)
			if createErr != nil {
				return createErr
			}
			w.engine.Observe(doc)
			w.remember(documentID, hash)
			w.log.Info().Str("document_id", documentID).Int64("version", doc.Version).Msg("note created")
			return nil
		case err != nil:
			return err
		}
		w.engine.Observe(base)
	}
	// A file reverted to the saved text still has to replace a pending edit.
	if base.Content == content && w.engine.Status(documentID).Pending == nil {
		w.remember(documentID, hash)
		return nil
	}
	if err := w.engine.Schedule(documentID, content, base.Version); err != nil {
		return err
	}
	w.remember(documentID, hash)
	w.log.Debug().Str("document_id", documentID).Int64("base_version", base.Version).Msg("autosave scheduled")
	return nil
}

func (w *Watcher) remember(documentID, hash string) {
	w.mu.Lock()
	w.hashes[documentID] = hash
	w.mu.Unlock()
}

// documentID is the slash separated path of a file relative to the root.
func (w *Watcher) documentID(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(w.root, absPath)
	if err != nil {
		return "", err
	}
	if rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", fmt.Errorf("%w: %s is outside %s", autosave.ErrInvalidInput, path, w.root)
	}
	return filepath.ToSlash(rel), nil
}

// ignored reports hidden entries and common editor scratch files.
func ignored(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return true
	}
	for _, suffix := range []string{"~", ".swp", ".swx", ".tmp"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return strings.HasPrefix(name, "#") && strings.HasSuffix(name, "#")
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
