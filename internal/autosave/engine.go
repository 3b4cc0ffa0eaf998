package autosave

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultDebounce         = 2000 * time.Millisecond
	DefaultMaxRetries       = 3
	DefaultRetryDelay       = 1000 * time.Millisecond
	DefaultConflictStrategy = StrategyUserWins

	defaultCommitTimeout = 10 * time.Second
)

// SessionCheckFunc is consulted before any write. Returning an error keeps
// the pending save and skips the write.
type SessionCheckFunc func(documentID string) error

type Options struct {
	Store            NoteStore
	Enabled          *bool
	Debounce         time.Duration
	// MaxRetries is how many retries follow a failed commit. Nil means
	// DefaultMaxRetries; zero reports the first failure as an error.
	MaxRetries       *int
	RetryDelay       time.Duration
	ConflictStrategy Strategy
	CommitTimeout    time.Duration
	SessionCheck     SessionCheckFunc
	Logger           *zerolog.Logger
	Now              func() time.Time
}

type Engine struct {
	gateway       gateway
	enabled       bool
	debounce      time.Duration
	maxRetries    int
	retryDelay    time.Duration
	strategy      Strategy
	commitTimeout time.Duration
	sessionCheck  SessionCheckFunc
	log           zerolog.Logger
	now           func() time.Time

	mu          sync.Mutex
	docs        map[string]*documentState
	subscribers map[string]map[uint64]*subscriber
	nextSubID   uint64
	closed      bool
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// documentState is everything the engine tracks for one document. All fields
// except commitMu are guarded by Engine.mu.
type documentState struct {
	id string

	// commitMu keeps at most one write per document in flight. It is always
	// taken before Engine.mu, never while holding it.
	commitMu sync.Mutex

	pending  *PendingSave
	seq      uint64
	conflict *ConflictInfo
	retry    *RetryInfo
	failure  *FailureInfo
	baseline *Document
	paused   bool

	// Versions in [lineageFloor, baseline.Version] were produced by this
	// engine's own consecutive commits.
	ownLineage   bool
	lineageFloor int64

	timer      *time.Timer
	retryTimer *time.Timer
	generation uint64
}

func NewEngine(store NoteStore) (*Engine, error) {
	return NewEngineWithOptions(Options{Store: store})
}

func NewEngineWithOptions(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: note store is required", ErrInvalidInput)
	}
	enabled := true
	if opts.Enabled != nil {
		enabled = *opts.Enabled
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	maxRetries := DefaultMaxRetries
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max retries must not be negative", ErrInvalidInput)
		}
		maxRetries = *opts.MaxRetries
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	strategy, err := ParseStrategy(string(opts.ConflictStrategy))
	if err != nil {
		return nil, err
	}
	commitTimeout := opts.CommitTimeout
	if commitTimeout <= 0 {
		commitTimeout = defaultCommitTimeout
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		gateway:       gateway{store: opts.Store},
		enabled:       enabled,
		debounce:      debounce,
		maxRetries:    maxRetries,
		retryDelay:    retryDelay,
		strategy:      strategy,
		commitTimeout: commitTimeout,
		sessionCheck:  opts.SessionCheck,
		log:           logger.With().Str("component", "autosave").Logger(),
		now:           now,
		docs:          map[string]*documentState{},
		subscribers:   map[string]map[uint64]*subscriber{},
	}, nil
}

func (e *Engine) Strategy() Strategy {
	return e.strategy
}

// Baseline returns the last document version the engine saw committed or
// adopted.
func (e *Engine) Baseline(documentID string) (Document, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.docs[strings.TrimSpace(documentID)]
	if !ok || st.baseline == nil {
		return Document{}, false
	}
	return *st.baseline, true
}

// Observe records doc as the engine's baseline for its id, e.g. after the
// caller loaded it from the store.
func (e *Engine) Observe(doc Document) {
	if strings.TrimSpace(doc.ID) == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(doc.ID)
	if st.baseline != nil && st.baseline.Version >= doc.Version {
		return
	}
	copied := doc
	st.baseline = &copied
	st.ownLineage = false
}

// Untrack stops all background work for a document. A recorded conflict is
// kept so it is still there when the document is opened again.
func (e *Engine) Untrack(documentID string) {
	documentID = strings.TrimSpace(documentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.docs[documentID]
	if !ok {
		return
	}
	e.cancelTimersLocked(st)
	if st.retry != nil {
		e.log.Debug().Str("document_id", documentID).Int("attempt", st.retry.Attempt).Msg("retry abandoned on untrack")
	}
	e.setPendingLocked(st, nil)
	st.retry = nil
	st.failure = nil
	st.paused = false
	e.notifyLocked(st)
}

// FlushAll commits every document that has a pending save and no unresolved
// conflict.
func (e *Engine) FlushAll(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	ids := make([]string, 0, len(e.docs))
	for id, st := range e.docs {
		if st.pending != nil && st.conflict == nil {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if _, err := e.SaveNow(ctx, id); err != nil && !errors.Is(err, ErrNoPendingSave) {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close cancels every timer and waits for commits already running. Pending
// saves that were never committed are dropped; call FlushAll first to keep
// them.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		for _, st := range e.docs {
			e.cancelTimersLocked(st)
		}
		e.closeSubscribersLocked()
		e.mu.Unlock()
		e.wg.Wait()
	})
	return nil
}

func (e *Engine) stateLocked(documentID string) *documentState {
	st, ok := e.docs[documentID]
	if !ok {
		st = &documentState{id: documentID}
		e.docs[documentID] = st
	}
	return st
}

func (e *Engine) setPendingLocked(st *documentState, pending *PendingSave) {
	switch {
	case st.pending == nil && pending != nil:
		PendingDocuments.Inc()
	case st.pending != nil && pending == nil:
		PendingDocuments.Dec()
	}
	st.pending = pending
}

func (e *Engine) checkSession(documentID string) error {
	if e.sessionCheck == nil {
		return nil
	}
	err := e.sessionCheck(documentID)
	if err == nil {
		return nil
	}
	CommitCount.WithLabelValues("session_rejected").Inc()
	e.log.Warn().Str("document_id", documentID).Err(err).Msg("save skipped: session not valid")
	if errors.Is(err, ErrSessionExpired) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrSessionExpired, err)
}
