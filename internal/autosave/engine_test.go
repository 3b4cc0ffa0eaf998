package autosave

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type updateCall struct {
	ID              string
	Content         string
	ExpectedVersion int64
	At              time.Time
}

// fakeNoteStore wraps the in-memory store with failure injection and call
// recording.
type fakeNoteStore struct {
	*InMemoryNoteStore

	mu          sync.Mutex
	updates     []updateCall
	failUpdates int
	failAlways  bool
	updateErr   error
	updateDelay time.Duration
	getDelay    time.Duration
	inFlight    map[string]int
	maxInFlight int
}

func newFakeNoteStore() *fakeNoteStore {
	return &fakeNoteStore{
		InMemoryNoteStore: NewInMemoryNoteStore(),
		updateErr:         errors.New("connection reset"),
		inFlight:          map[string]int{},
	}
}

func (f *fakeNoteStore) UpdateConditional(ctx context.Context, id, content string, expectedVersion int64) (Document, error) {
	f.mu.Lock()
	f.updates = append(f.updates, updateCall{ID: id, Content: content, ExpectedVersion: expectedVersion, At: time.Now()})
	f.inFlight[id]++
	if f.inFlight[id] > f.maxInFlight {
		f.maxInFlight = f.inFlight[id]
	}
	fail := f.failAlways || f.failUpdates > 0
	if f.failUpdates > 0 {
		f.failUpdates--
	}
	err := f.updateErr
	delay := f.updateDelay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight[id]--
		f.mu.Unlock()
	}()
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return Document{}, err
	}
	return f.InMemoryNoteStore.UpdateConditional(ctx, id, content, expectedVersion)
}

func (f *fakeNoteStore) Get(ctx context.Context, id string) (Document, error) {
	f.mu.Lock()
	delay := f.getDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return f.InMemoryNoteStore.Get(ctx, id)
}

func (f *fakeNoteStore) updateCalls() []updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]updateCall(nil), f.updates...)
}

func (f *fakeNoteStore) setFailAlways(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAlways = fail
}

func newTestEngine(t *testing.T, store NoteStore, opts Options) *Engine {
	t.Helper()
	opts.Store = store
	if opts.Debounce == 0 {
		opts.Debounce = 20 * time.Millisecond
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	engine, err := NewEngineWithOptions(opts)
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	t.Cleanup(func() {
		_ = engine.Close()
	})
	return engine
}

func waitForState(t *testing.T, engine *Engine, id string, state SaveState) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		status := engine.Status(id)
		if status.State == state {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s to reach %s, last status %+v", id, state, status)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func boolPtr(v bool) *bool {
	return &v
}

func intPtr(v int) *int {
	return &v
}

func TestScheduleCoalescesEditsIntoOneCommit(t *testing.T) {
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "v1", Version: 1})
	engine := newTestEngine(t, store, Options{Debounce: 40 * time.Millisecond})

	for _, content := range []string{"a", "ab", "abc", "abcd", "abcde"} {
		if err := engine.Schedule("doc", content, 1); err != nil {
			t.Fatalf("schedule failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := engine.Status("doc").State; got != StatePending {
		t.Fatalf("expected pending while inside debounce window, got %s", got)
	}
	status := waitForState(t, engine, "doc", StateSaved)
	time.Sleep(80 * time.Millisecond)

	calls := store.updateCalls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one commit, got %d: %+v", len(calls), calls)
	}
	if calls[0].Content != "abcde" || calls[0].ExpectedVersion != 1 {
		t.Fatalf("expected last content conditioned on version 1, got %+v", calls[0])
	}
	if status.Document == nil || status.Document.Version != 2 {
		t.Fatalf("expected saved status to carry version 2, got %+v", status.Document)
	}
	if status.Pending != nil {
		t.Fatalf("expected pending save to be cleared, got %+v", status.Pending)
	}
}

func TestCommitDetectsConflictWithoutOverwriting(t *testing.T) {
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 5})
	engine := newTestEngine(t, store, Options{ConflictStrategy: StrategyManual, Debounce: time.Hour})

	if err := engine.Schedule("doc", "local edit", 5); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	store.Put(Document{ID: "doc", Content: "remote edit", Version: 6})

	_, err := engine.SaveNow(context.Background(), "doc")
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if calls := store.updateCalls(); len(calls) != 0 {
		t.Fatalf("expected no write after conflict detection, got %+v", calls)
	}
	current, _ := store.Get(context.Background(), "doc")
	if current.Version != 6 || current.Content != "remote edit" {
		t.Fatalf("expected server document untouched, got %+v", current)
	}

	status := engine.Status("doc")
	if status.State != StateConflict || status.Conflict == nil {
		t.Fatalf("expected conflict status, got %+v", status)
	}
	if status.Conflict.LocalVersion != 5 || status.Conflict.ServerVersion != 6 {
		t.Fatalf("unexpected conflict versions: %+v", status.Conflict)
	}
	if status.Conflict.LocalContent != "local edit" || status.Conflict.ServerContent != "remote edit" {
		t.Fatalf("unexpected conflict contents: %+v", status.Conflict)
	}
	if _, err := engine.SaveNow(context.Background(), "doc"); !errors.Is(err, ErrConflictUnresolved) {
		t.Fatalf("expected save during conflict to be refused, got %v", err)
	}
}

func TestServerWinsAdoptsServerContent(t *testing.T) {
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 5})
	engine := newTestEngine(t, store, Options{ConflictStrategy: StrategyServerWins})

	if err := engine.Schedule("doc", "local", 5); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	store.Put(Document{ID: "doc", Content: "remote", Version: 6})

	status := waitForState(t, engine, "doc", StateSaved)
	if status.Document == nil || status.Document.Content != "remote" || status.Document.Version != 6 {
		t.Fatalf("expected server content adopted, got %+v", status.Document)
	}
	if status.Conflict != nil || status.Pending != nil {
		t.Fatalf("expected conflict and pending cleared, got %+v", status)
	}
	if calls := store.updateCalls(); len(calls) != 0 {
		t.Fatalf("expected no write for server_wins, got %+v", calls)
	}
}

func TestServerWinsKeepsEditMadeDuringCommit(t *testing.T) {
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 5})
	engine := newTestEngine(t, store, Options{ConflictStrategy: StrategyServerWins, Debounce: time.Hour})

	if err := engine.Schedule("doc", "edit-1", 5); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	store.Put(Document{ID: "doc", Content: "remote", Version: 6})
	store.mu.Lock()
	store.getDelay = 100 * time.Millisecond
	store.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := engine.SaveNow(context.Background(), "doc")
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	if err := engine.Schedule("doc", "edit-2", 5); err != nil {
		t.Fatalf("schedule during commit failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("save now failed: %v", err)
	}

	status := engine.Status("doc")
	if status.Document == nil || status.Document.Version != 6 || status.Document.Content != "remote" {
		t.Fatalf("expected server version 6 adopted, got %+v", status.Document)
	}
	if status.Pending == nil || status.Pending.Content != "edit-2" || status.Pending.BaseVersion != 6 {
		t.Fatalf("expected newer edit kept on top of version 6, got %+v", status.Pending)
	}
	if status.State != StatePending || status.Conflict != nil {
		t.Fatalf("expected pending without conflict, got %+v", status)
	}

	store.mu.Lock()
	store.getDelay = 0
	store.mu.Unlock()
	doc, err := engine.SaveNow(context.Background(), "doc")
	if err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	if doc.Content != "edit-2" || doc.Version != 7 {
		t.Fatalf("expected newer edit written as version 7, got %+v", doc)
	}
}

func TestUserWinsOverwritesConcurrentEdit(t *testing.T) {
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 5})
	engine := newTestEngine(t, store, Options{})

	if engine.Strategy() != StrategyUserWins {
		t.Fatalf("expected default strategy user_wins, got %s", engine.Strategy())
	}
	if err := engine.Schedule("doc", "mine", 5); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	store.Put(Document{ID: "doc", Content: "theirs", Version: 6})

	doc, err := engine.SaveNow(context.Background(), "doc")
	if err != nil {
		t.Fatalf("save now failed: %v", err)
	}
	if doc.Content != "mine" || doc.Version != 7 {
		t.Fatalf("expected local content written as version 7, got %+v", doc)
	}
	calls := store.updateCalls()
	if len(calls) != 1 || calls[0].ExpectedVersion != 6 {
		t.Fatalf("expected a single write conditioned on server version 6, got %+v", calls)
	}
	if status := engine.Status("doc"); status.State != StateSaved {
		t.Fatalf("expected saved, got %+v", status)
	}
}

func TestManualMergeRequiresContent(t *testing.T) {
	ctx := context.Background()
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 5})
	engine := newTestEngine(t, store, Options{ConflictStrategy: StrategyManual})

	_ = engine.Schedule("doc", "local", 5)
	store.Put(Document{ID: "doc", Content: "remote", Version: 6})
	waitForState(t, engine, "doc", StateConflict)

	_, err := engine.Resolve(ctx, "doc", Resolution{Strategy: StrategyManualMerge, MergedContent: "  "})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty merge, got %v", err)
	}
	if status := engine.Status("doc"); status.State != StateConflict {
		t.Fatalf("expected conflict to remain, got %+v", status)
	}
	if _, err := engine.Resolve(ctx, "doc", Resolution{Strategy: StrategyManual}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected manual to be rejected as a resolution, got %v", err)
	}

	doc, err := engine.Resolve(ctx, "doc", Resolution{Strategy: StrategyManualMerge, MergedContent: "local+remote"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if doc.Content != "local+remote" || doc.Version != 7 {
		t.Fatalf("unexpected merged document: %+v", doc)
	}
	status := engine.Status("doc")
	if status.State != StateSaved || status.Conflict != nil || status.Pending != nil {
		t.Fatalf("expected clean saved status after merge, got %+v", status)
	}
	if _, err := engine.Resolve(ctx, "doc", Resolution{Strategy: StrategyServerWins}); !errors.Is(err, ErrNoConflict) {
		t.Fatalf("expected no conflict after resolution, got %v", err)
	}
}

func TestResolveLocalWinsUsesNewestEdit(t *testing.T) {
	ctx := context.Background()
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 5})
	engine := newTestEngine(t, store, Options{ConflictStrategy: StrategyManual, Debounce: time.Hour})

	_ = engine.Schedule("doc", "first", 5)
	store.Put(Document{ID: "doc", Content: "remote", Version: 6})
	if _, err := engine.SaveNow(ctx, "doc"); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := engine.Schedule("doc", "second", 5); err != nil {
		t.Fatalf("schedule during conflict failed: %v", err)
	}
	if status := engine.Status("doc"); status.Conflict == nil || status.Conflict.LocalContent != "second" {
		t.Fatalf("expected conflict to track newest local content, got %+v", status.Conflict)
	}

	doc, err := engine.Resolve(ctx, "doc", Resolution{Strategy: StrategyUserWins})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if doc.Content != "second" || doc.Version != 7 {
		t.Fatalf("unexpected resolved document: %+v", doc)
	}
}

func TestResolveServerWinsRefetchesServer(t *testing.T) {
	ctx := context.Background()
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 5})
	engine := newTestEngine(t, store, Options{ConflictStrategy: StrategyManual, Debounce: time.Hour})

	_ = engine.Schedule("doc", "local", 5)
	store.Put(Document{ID: "doc", Content: "remote", Version: 6})
	_, _ = engine.SaveNow(ctx, "doc")
	store.Put(Document{ID: "doc", Content: "remote again", Version: 7})

	doc, err := engine.Resolve(ctx, "doc", Resolution{Strategy: StrategyServerWins})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if doc.Content != "remote again" || doc.Version != 7 {
		t.Fatalf("expected freshest server document, got %+v", doc)
	}
	baseline, ok := engine.Baseline("doc")
	if !ok || baseline.Version != 7 {
		t.Fatalf("expected baseline version 7, got %+v (%v)", baseline, ok)
	}
	if calls := store.updateCalls(); len(calls) != 0 {
		t.Fatalf("expected no writes, got %+v", calls)
	}
}

func TestResolveRecordsNewerConflict(t *testing.T) {
	ctx := context.Background()
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 5})
	engine := newTestEngine(t, store, Options{ConflictStrategy: StrategyManual, Debounce: time.Hour})

	_ = engine.Schedule("doc", "local", 5)
	store.Put(Document{ID: "doc", Content: "remote", Version: 6})
	_, _ = engine.SaveNow(ctx, "doc")
	store.Put(Document{ID: "doc", Content: "remote 2", Version: 7})

	_, err := engine.Resolve(ctx, "doc", Resolution{Strategy: StrategyLocalWins})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected resolution to hit a newer conflict, got %v", err)
	}
	status := engine.Status("doc")
	if status.State != StateConflict || status.Conflict.ServerVersion != 7 || status.Conflict.ServerContent != "remote 2" {
		t.Fatalf("expected conflict refreshed to version 7, got %+v", status.Conflict)
	}
}

func TestRetryBackoffDoublesPerAttempt(t *testing.T) {
	base := time.Second
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, expected := range want {
		if got := retryBackoff(base, i+1); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, expected, got)
		}
	}
}

func TestRetriesExhaustedReportsError(t *testing.T) {
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 1})
	store.setFailAlways(true)
	engine := newTestEngine(t, store, Options{Debounce: 10 * time.Millisecond, RetryDelay: 10 * time.Millisecond, MaxRetries: intPtr(3)})

	events, cancel := engine.Subscribe("doc")
	defer cancel()

	if err := engine.Schedule("doc", "edit", 1); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	var seen []string
	timeout := time.After(3 * time.Second)
collect:
	for {
		select {
		case ev := <-events:
			label := string(ev.Status.State)
			if ev.Status.Retry != nil {
				label += "(" + string(rune('0'+ev.Status.Retry.Attempt)) + ")"
			}
			if len(seen) == 0 || seen[len(seen)-1] != label {
				seen = append(seen, label)
			}
			if ev.Status.State == StateError {
				break collect
			}
		case <-timeout:
			t.Fatalf("timed out waiting for error status, saw %v", seen)
		}
	}
	want := []string{"pending", "retrying(1)", "retrying(2)", "retrying(3)", "error"}
	if len(seen) != len(want) {
		t.Fatalf("expected sequence %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected sequence %v, got %v", want, seen)
		}
	}

	time.Sleep(150 * time.Millisecond)
	calls := store.updateCalls()
	if len(calls) != 4 {
		t.Fatalf("expected initial attempt plus 3 retries, got %d", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		minGap := retryBackoff(10*time.Millisecond, i)
		if gap := calls[i].At.Sub(calls[i-1].At); gap < minGap {
			t.Fatalf("retry %d fired after %s, expected at least %s", i, gap, minGap)
		}
	}
	status := engine.Status("doc")
	if status.State != StateError || status.Failure == nil || status.Retry != nil {
		t.Fatalf("expected error status without retry info, got %+v", status)
	}
	if status.Pending == nil || status.Pending.Content != "edit" {
		t.Fatalf("expected pending save kept after exhaustion, got %+v", status.Pending)
	}

	store.setFailAlways(false)
	doc, err := engine.SaveNow(context.Background(), "doc")
	if err != nil {
		t.Fatalf("manual save after exhaustion failed: %v", err)
	}
	if doc.Content != "edit" || engine.Status("doc").State != StateSaved {
		t.Fatalf("expected manual save to recover, got %+v / %+v", doc, engine.Status("doc"))
	}
}

func TestZeroMaxRetriesFailsOnFirstError(t *testing.T) {
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 1})
	store.setFailAlways(true)
	engine := newTestEngine(t, store, Options{RetryDelay: time.Millisecond, MaxRetries: intPtr(0)})

	if err := engine.Schedule("doc", "edit", 1); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	status := waitForState(t, engine, "doc", StateError)
	if status.Failure == nil || status.Failure.Attempts != 1 || status.Retry != nil {
		t.Fatalf("expected failure after a single attempt, got %+v", status)
	}
	time.Sleep(50 * time.Millisecond)
	if calls := store.updateCalls(); len(calls) != 1 {
		t.Fatalf("expected exactly one write, got %d", len(calls))
	}
}

func TestScheduleCancelsPendingRetry(t *testing.T) {
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 1})
	store.failUpdates = 1
	engine := newTestEngine(t, store, Options{Debounce: 10 * time.Millisecond, RetryDelay: time.Hour})

	_ = engine.Schedule("doc", "first", 1)
	status := waitForState(t, engine, "doc", StateRetrying)
	if status.Retry.Attempt != 1 || status.Retry.Content != "first" {
		t.Fatalf("unexpected retry info: %+v", status.Retry)
	}

	if err := engine.Schedule("doc", "second", 1); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	status = engine.Status("doc")
	if status.State != StatePending || status.Retry != nil {
		t.Fatalf("expected retry cancelled by new edit, got %+v", status)
	}

	status = waitForState(t, engine, "doc", StateSaved)
	if status.Document.Content != "second" {
		t.Fatalf("expected second edit saved, got %+v", status.Document)
	}
	calls := store.updateCalls()
	if len(calls) != 2 || calls[1].Content != "second" {
		t.Fatalf("expected failed attempt then new content, got %+v", calls)
	}
}

func TestPauseHoldsCommitUntilResume(t *testing.T) {
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 1})
	engine := newTestEngine(t, store, Options{Debounce: 30 * time.Millisecond})

	_ = engine.Schedule("doc", "draft", 1)
	if err := engine.Pause("doc"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	time.Sleep(90 * time.Millisecond)
	if calls := store.updateCalls(); len(calls) != 0 {
		t.Fatalf("expected no commit while paused, got %+v", calls)
	}
	status := engine.Status("doc")
	if status.State != StatePending || !status.Paused || status.Pending.Content != "draft" {
		t.Fatalf("expected paused pending save, got %+v", status)
	}

	resumedAt := time.Now()
	if err := engine.Resume("doc"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	waitForState(t, engine, "doc", StateSaved)
	calls := store.updateCalls()
	if len(calls) != 1 || calls[0].Content != "draft" {
		t.Fatalf("expected retained content committed once, got %+v", calls)
	}
	if gap := calls[0].At.Sub(resumedAt); gap < 30*time.Millisecond {
		t.Fatalf("expected a full debounce window after resume, commit came after %s", gap)
	}
}

func TestSaveNowWithoutPendingSave(t *testing.T) {
	engine := newTestEngine(t, newFakeNoteStore(), Options{})
	if _, err := engine.SaveNow(context.Background(), "nothing"); !errors.Is(err, ErrNoPendingSave) {
		t.Fatalf("expected ErrNoPendingSave, got %v", err)
	}
}

func TestScheduleValidatesInput(t *testing.T) {
	engine := newTestEngine(t, newFakeNoteStore(), Options{})
	if err := engine.Schedule("  ", "x", 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty id, got %v", err)
	}
	if err := engine.Schedule("doc", "x", -1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for negative version, got %v", err)
	}
	if err := engine.Pause(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for pause without id, got %v", err)
	}
}

func TestUntrackCancelsTimerAndKeepsConflict(t *testing.T) {
	ctx := context.Background()
	store := newFakeNoteStore()
	store.Put(Document{ID: "a", Content: "base", Version: 1})
	store.Put(Document{ID: "b", Content: "base", Version: 1})
	engine := newTestEngine(t, store, Options{ConflictStrategy: StrategyManual, Debounce: 20 * time.Millisecond})

	_ = engine.Schedule("a", "edit", 1)
	engine.Untrack("a")
	time.Sleep(60 * time.Millisecond)
	if calls := store.updateCalls(); len(calls) != 0 {
		t.Fatalf("expected untracked timer never to fire, got %+v", calls)
	}
	if status := engine.Status("a"); status.State != StateSaved || status.Pending != nil {
		t.Fatalf("expected untracked document idle, got %+v", status)
	}

	_ = engine.Schedule("b", "edit", 1)
	store.Put(Document{ID: "b", Content: "remote", Version: 2})
	if _, err := engine.SaveNow(ctx, "b"); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	engine.Untrack("b")
	status := engine.Status("b")
	if status.State != StateConflict || status.Conflict == nil {
		t.Fatalf("expected conflict to survive untrack, got %+v", status)
	}
}

func TestOwnCommitsRebaseStaleBaseVersion(t *testing.T) {
	ctx := context.Background()
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 1})
	engine := newTestEngine(t, store, Options{ConflictStrategy: StrategyManual, Debounce: time.Hour})

	_ = engine.Schedule("doc", "one", 1)
	if _, err := engine.SaveNow(ctx, "doc"); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	_ = engine.Schedule("doc", "two", 1)
	doc, err := engine.SaveNow(ctx, "doc")
	if err != nil {
		t.Fatalf("second save with stale own base failed: %v", err)
	}
	if doc.Version != 3 || doc.Content != "two" {
		t.Fatalf("unexpected document: %+v", doc)
	}

	store.Put(Document{ID: "doc", Content: "remote", Version: 4})
	_ = engine.Schedule("doc", "three", 3)
	if _, err := engine.SaveNow(ctx, "doc"); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected foreign write to still conflict, got %v", err)
	}
}

func TestSessionCheckBlocksCommit(t *testing.T) {
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 1})
	var valid atomic.Bool
	engine := newTestEngine(t, store, Options{
		Debounce: time.Hour,
		SessionCheck: func(documentID string) error {
			if valid.Load() {
				return nil
			}
			return errors.New("token expired")
		},
	})

	_ = engine.Schedule("doc", "edit", 1)
	_, err := engine.SaveNow(context.Background(), "doc")
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected session expired, got %v", err)
	}
	if calls := store.updateCalls(); len(calls) != 0 {
		t.Fatalf("expected no write without a session, got %+v", calls)
	}
	if status := engine.Status("doc"); status.State != StatePending {
		t.Fatalf("expected pending save kept, got %+v", status)
	}

	valid.Store(true)
	if _, err := engine.SaveNow(context.Background(), "doc"); err != nil {
		t.Fatalf("save with valid session failed: %v", err)
	}
}

func TestMissingDocumentFailsPermanently(t *testing.T) {
	store := newFakeNoteStore()
	engine := newTestEngine(t, store, Options{Debounce: time.Hour})

	_ = engine.Schedule("ghost", "boo", 0)
	if _, err := engine.SaveNow(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	status := engine.Status("ghost")
	if status.State != StateError || status.Failure == nil || !status.Failure.Permanent {
		t.Fatalf("expected permanent error status, got %+v", status)
	}
}

func TestDisabledEngineSavesOnlyOnDemand(t *testing.T) {
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 1})
	engine := newTestEngine(t, store, Options{Enabled: boolPtr(false), Debounce: 10 * time.Millisecond})

	_ = engine.Schedule("doc", "edit", 1)
	time.Sleep(50 * time.Millisecond)
	if calls := store.updateCalls(); len(calls) != 0 {
		t.Fatalf("expected disabled engine not to autosave, got %+v", calls)
	}
	if _, err := engine.SaveNow(context.Background(), "doc"); err != nil {
		t.Fatalf("save now failed: %v", err)
	}
}

func TestFlushAllSavesEveryPendingDocument(t *testing.T) {
	store := newFakeNoteStore()
	store.Put(Document{ID: "a", Content: "", Version: 1})
	store.Put(Document{ID: "b", Content: "", Version: 1})
	engine := newTestEngine(t, store, Options{Debounce: time.Hour})

	_ = engine.Schedule("a", "alpha", 1)
	_ = engine.Schedule("b", "beta", 1)
	if err := engine.FlushAll(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if status := engine.Status(id); status.State != StateSaved || status.Document.Version != 2 {
			t.Fatalf("expected %s saved at version 2, got %+v", id, status)
		}
	}
}

func TestCommitsAreSerializedPerDocument(t *testing.T) {
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 1})
	store.updateDelay = 20 * time.Millisecond
	engine := newTestEngine(t, store, Options{Debounce: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		_ = engine.Schedule("doc", "edit", 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.SaveNow(context.Background(), "doc")
		}()
	}
	wg.Wait()

	store.mu.Lock()
	maxInFlight := store.maxInFlight
	store.mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("expected at most one commit in flight, saw %d", maxInFlight)
	}
	if status := engine.Status("doc"); status.State == StateConflict {
		t.Fatalf("expected own commits not to conflict with each other, got %+v", status.Conflict)
	}
}

func TestCloseStopsTimersAndRejectsCalls(t *testing.T) {
	store := newFakeNoteStore()
	store.Put(Document{ID: "doc", Content: "base", Version: 1})
	engine := newTestEngine(t, store, Options{Debounce: 20 * time.Millisecond})

	events, _ := engine.Subscribe("")
	_ = engine.Schedule("doc", "edit", 1)
	if err := engine.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if calls := store.updateCalls(); len(calls) != 0 {
		t.Fatalf("expected no commit after close, got %+v", calls)
	}
	if err := engine.Schedule("doc", "late", 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	for range events {
	}
}

func TestStatusPrecedence(t *testing.T) {
	st := &documentState{
		id:       "doc",
		pending:  &PendingSave{DocumentID: "doc"},
		retry:    &RetryInfo{DocumentID: "doc", Attempt: 2},
		failure:  &FailureInfo{DocumentID: "doc"},
		conflict: &ConflictInfo{DocumentID: "doc"},
	}
	if got := statusOf("doc", st).State; got != StateConflict {
		t.Fatalf("expected conflict first, got %s", got)
	}
	st.conflict = nil
	if got := statusOf("doc", st).State; got != StateRetrying {
		t.Fatalf("expected retrying second, got %s", got)
	}
	st.retry = nil
	if got := statusOf("doc", st).State; got != StateError {
		t.Fatalf("expected error third, got %s", got)
	}
	st.failure = nil
	if got := statusOf("doc", st).State; got != StatePending {
		t.Fatalf("expected pending fourth, got %s", got)
	}
	st.pending = nil
	if got := statusOf("doc", st).State; got != StateSaved {
		t.Fatalf("expected saved last, got %s", got)
	}
	if got := statusOf("unknown", nil).State; got != StateSaved {
		t.Fatalf("expected unknown document to report saved, got %s", got)
	}
}

func TestNewEngineValidatesOptions(t *testing.T) {
	if _, err := NewEngineWithOptions(Options{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected missing store to be rejected, got %v", err)
	}
	if _, err := NewEngineWithOptions(Options{Store: NewInMemoryNoteStore(), MaxRetries: intPtr(-1)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected negative retries to be rejected, got %v", err)
	}
	if _, err := NewEngineWithOptions(Options{Store: NewInMemoryNoteStore(), ConflictStrategy: "coin_flip"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected unknown strategy to be rejected, got %v", err)
	}
	engine, err := NewEngine(NewInMemoryNoteStore())
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	defer engine.Close()
	if engine.debounce != DefaultDebounce || engine.maxRetries != DefaultMaxRetries || engine.retryDelay != DefaultRetryDelay || !engine.enabled {
		t.Fatalf("expected defaults, got debounce=%s maxRetries=%d retryDelay=%s enabled=%v", engine.debounce, engine.maxRetries, engine.retryDelay, engine.enabled)
	}
}
