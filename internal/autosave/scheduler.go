package autosave

import (
	"context"
	"errors"
	"strings"
	"time"
)

type timerKind int

const (
	debounceTimer timerKind = iota
	retryTimer
)

var errSuperseded = errors.New("commit trigger superseded")

// Schedule records content as the newest pending save for the document and
// restarts its quiet period. Any scheduled retry is dropped; the next
// commit starts over at attempt one.
func (e *Engine) Schedule(documentID, content string, baseVersion int64) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" || baseVersion < 0 {
		return ErrInvalidInput
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	st := e.stateLocked(documentID)
	st.seq++
	e.setPendingLocked(st, &PendingSave{
		DocumentID:  documentID,
		Content:     content,
		BaseVersion: baseVersion,
		ScheduledAt: e.now(),
	})
	e.cancelTimersLocked(st)
	if st.retry != nil {
		e.log.Debug().Str("document_id", documentID).Int("attempt", st.retry.Attempt).Msg("retry cancelled by new edit")
		st.retry = nil
	}
	st.failure = nil
	if st.conflict != nil {
		st.conflict.LocalContent = content
		e.notifyLocked(st)
		return nil
	}
	if e.enabled && !st.paused {
		e.armLocked(st, debounceTimer, e.debounce)
	}
	e.notifyLocked(st)
	return nil
}

// SaveNow commits the pending save immediately, skipping the quiet period.
func (e *Engine) SaveNow(ctx context.Context, documentID string) (Document, error) {
	documentID = strings.TrimSpace(documentID)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Document{}, ErrClosed
	}
	st, ok := e.docs[documentID]
	if !ok || st.pending == nil {
		e.mu.Unlock()
		return Document{}, ErrNoPendingSave
	}
	if st.conflict != nil {
		e.mu.Unlock()
		return Document{}, ErrConflictUnresolved
	}
	e.cancelTimersLocked(st)
	e.mu.Unlock()
	return e.commit(ctx, st, 0, true)
}

// Pause stops the timers of a document but keeps its pending save.
func (e *Engine) Pause(documentID string) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return ErrInvalidInput
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	st := e.stateLocked(documentID)
	if st.paused {
		return nil
	}
	st.paused = true
	e.cancelTimersLocked(st)
	e.notifyLocked(st)
	return nil
}

// Resume re-arms a full quiet period for a retained pending save.
func (e *Engine) Resume(documentID string) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return ErrInvalidInput
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	st, ok := e.docs[documentID]
	if !ok || !st.paused {
		return nil
	}
	st.paused = false
	if st.pending != nil && st.conflict == nil && e.enabled {
		e.armLocked(st, debounceTimer, e.debounce)
	}
	e.notifyLocked(st)
	return nil
}

// cancelTimersLocked stops both timers. Bumping the generation turns any
// callback that already started into a no-op.
func (e *Engine) cancelTimersLocked(st *documentState) {
	st.generation++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
	}
}

func (e *Engine) armLocked(st *documentState, kind timerKind, delay time.Duration) {
	e.cancelTimersLocked(st)
	gen := st.generation
	id := st.id
	t := time.AfterFunc(delay, func() {
		e.fire(id, gen, kind)
	})
	if kind == retryTimer {
		st.retryTimer = t
	} else {
		st.timer = t
	}
}

func (e *Engine) fire(documentID string, gen uint64, kind timerKind) {
	e.mu.Lock()
	st, ok := e.docs[documentID]
	if e.closed || !ok || st.generation != gen || st.paused {
		e.mu.Unlock()
		return
	}
	if kind == retryTimer {
		st.retryTimer = nil
	} else {
		st.timer = nil
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), e.commitTimeout)
	defer cancel()
	if _, err := e.commit(ctx, st, gen, false); err != nil && !errors.Is(err, errSuperseded) {
		e.log.Debug().Str("document_id", documentID).Err(err).Msg("background save did not complete")
	}
}
