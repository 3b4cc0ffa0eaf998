package autosave

import (
	"context"
	"errors"
	"time"
)

type gateway struct {
	store NoteStore
}

func (g gateway) read(ctx context.Context, documentID string) (Document, error) {
	doc, err := g.store.Get(ctx, documentID)
	if err != nil {
		return Document{}, classifyStoreError("get", err)
	}
	return doc, nil
}

// write reads the stored document first and only issues the conditional
// update when nobody else advanced it past baseVersion.
func (g gateway) write(ctx context.Context, documentID, content string, baseVersion int64) (Document, error) {
	current, err := g.read(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	if current.Version > baseVersion {
		return Document{}, &VersionConflictError{DocumentID: documentID, ExpectedVersion: baseVersion, Current: current}
	}
	return g.overwrite(ctx, documentID, content, baseVersion)
}

// overwrite skips the read check and relies on the store's conditional write.
func (g gateway) overwrite(ctx context.Context, documentID, content string, expectedVersion int64) (Document, error) {
	doc, err := g.store.UpdateConditional(ctx, documentID, content, expectedVersion)
	if err != nil {
		return Document{}, classifyStoreError("update", err)
	}
	return doc, nil
}

// conflictCurrent returns the server document that won a conflict, reading
// it when the store did not report it.
func (g gateway) conflictCurrent(ctx context.Context, documentID string, err error) (Document, error) {
	var conflict *VersionConflictError
	if errors.As(err, &conflict) && conflict.Current.ID != "" {
		return conflict.Current, nil
	}
	return g.read(ctx, documentID)
}

func classifyStoreError(op string, err error) error {
	if errors.Is(err, ErrVersionConflict) || isPermanent(err) {
		return err
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// commit runs one save of the pending content. Timer-triggered commits pass
// the generation they were armed with and give up if it is stale; forced
// commits from SaveNow always run.
func (e *Engine) commit(ctx context.Context, st *documentState, gen uint64, forced bool) (Document, error) {
	st.commitMu.Lock()
	defer st.commitMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Document{}, ErrClosed
	}
	if !forced && (st.generation != gen || st.paused) {
		e.mu.Unlock()
		return Document{}, errSuperseded
	}
	if st.conflict != nil {
		e.mu.Unlock()
		return Document{}, ErrConflictUnresolved
	}
	if st.pending == nil {
		e.mu.Unlock()
		return Document{}, ErrNoPendingSave
	}
	e.rebaseLocked(st)
	pending := *st.pending
	seq := st.seq
	e.mu.Unlock()

	if err := e.checkSession(pending.DocumentID); err != nil {
		return Document{}, err
	}

	start := time.Now()
	doc, err := e.gateway.write(ctx, pending.DocumentID, pending.Content, pending.BaseVersion)
	CommitDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		e.mu.Lock()
		e.commitSucceededLocked(st, seq, pending.BaseVersion, doc)
		e.mu.Unlock()
		return doc, nil
	case errors.Is(err, ErrVersionConflict):
		return e.handleConflict(ctx, st, pending, seq, err)
	default:
		e.mu.Lock()
		e.commitFailedLocked(st, seq, err)
		e.mu.Unlock()
		return Document{}, err
	}
}

// rebaseLocked moves a pending save whose base version came from this
// engine's own earlier commits onto the latest committed version.
func (e *Engine) rebaseLocked(st *documentState) {
	if st.pending == nil || st.baseline == nil || !st.ownLineage {
		return
	}
	base := st.pending.BaseVersion
	if base >= st.lineageFloor && base < st.baseline.Version {
		e.log.Debug().
			Str("document_id", st.id).
			Int64("base_version", base).
			Int64("rebased_to", st.baseline.Version).
			Msg("rebased pending save onto own commit")
		st.pending.BaseVersion = st.baseline.Version
	}
}

func (e *Engine) commitSucceededLocked(st *documentState, seq uint64, baseVersion int64, doc Document) {
	if !st.ownLineage || st.baseline == nil || baseVersion < st.lineageFloor || baseVersion > st.baseline.Version {
		st.lineageFloor = baseVersion
	}
	st.ownLineage = true
	committed := doc
	st.baseline = &committed
	if st.seq == seq {
		e.setPendingLocked(st, nil)
	}
	st.retry = nil
	st.failure = nil
	CommitCount.WithLabelValues("saved").Inc()
	e.log.Debug().
		Str("document_id", st.id).
		Int64("base_version", baseVersion).
		Int64("version", doc.Version).
		Msg("document saved")
	e.notifyLocked(st)
}

func (e *Engine) commitFailedLocked(st *documentState, seq uint64, err error) {
	if st.pending == nil {
		return
	}
	if st.seq != seq {
		// A newer edit owns the pending save now and has its own timer.
		e.log.Debug().Str("document_id", st.id).Err(err).Msg("failed save superseded by newer edit")
		return
	}
	if isPermanent(err) {
		CommitCount.WithLabelValues("failed").Inc()
		st.retry = nil
		st.failure = &FailureInfo{
			DocumentID: st.id,
			Attempts:   1,
			LastError:  err.Error(),
			Permanent:  true,
			FailedAt:   e.now(),
		}
		e.log.Error().Str("document_id", st.id).Err(err).Msg("save failed permanently")
		e.notifyLocked(st)
		return
	}
	CommitCount.WithLabelValues("transient_error").Inc()
	e.scheduleRetryLocked(st, err)
}
