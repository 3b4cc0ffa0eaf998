package autosave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// detect builds the conflict record for a pending save that lost against
// server.
func detect(local PendingSave, server Document, now time.Time) ConflictInfo {
	return ConflictInfo{
		DocumentID:    local.DocumentID,
		LocalVersion:  local.BaseVersion,
		ServerVersion: server.Version,
		LocalContent:  local.Content,
		ServerContent: server.Content,
		DetectedAt:    now,
	}
}

// recordConflictLocked replaces any earlier conflict for the document. The
// local side always carries the newest edit.
func (e *Engine) recordConflictLocked(st *documentState, local PendingSave, server Document) ConflictInfo {
	if st.pending != nil {
		local.Content = st.pending.Content
	}
	info := detect(local, server, e.now())
	st.conflict = &info
	st.retry = nil
	st.failure = nil
	st.ownLineage = false
	e.cancelTimersLocked(st)
	e.notifyLocked(st)
	return info
}

func (e *Engine) handleConflict(ctx context.Context, st *documentState, pending PendingSave, seq uint64, cause error) (Document, error) {
	current, err := e.gateway.conflictCurrent(ctx, pending.DocumentID, cause)
	if err != nil {
		e.mu.Lock()
		e.commitFailedLocked(st, seq, err)
		e.mu.Unlock()
		return Document{}, err
	}

	e.mu.Lock()
	info := e.recordConflictLocked(st, pending, current)
	// The local side of the conflict is the newest edit, so overwriting it
	// settles everything scheduled so far.
	localSeq := st.seq
	strategy := e.strategy
	e.mu.Unlock()

	ConflictCount.WithLabelValues(string(strategy)).Inc()
	e.log.Warn().
		Str("document_id", pending.DocumentID).
		Int64("base_version", info.LocalVersion).
		Int64("server_version", info.ServerVersion).
		Str("strategy", string(strategy)).
		Msg("version conflict detected")

	switch strategy {
	case StrategyServerWins:
		e.mu.Lock()
		doc := e.adoptServerLocked(st, seq, current)
		e.mu.Unlock()
		return doc, nil
	case StrategyUserWins:
		return e.writeLocal(ctx, st, localSeq, pending, info.LocalContent, current)
	default:
		return Document{}, &VersionConflictError{DocumentID: pending.DocumentID, ExpectedVersion: pending.BaseVersion, Current: current}
	}
}

// writeLocal pushes local content over server, conditioned on the server
// version the conflict was detected against. The caller holds commitMu.
func (e *Engine) writeLocal(ctx context.Context, st *documentState, seq uint64, local PendingSave, content string, server Document) (Document, error) {
	doc, err := e.gateway.overwrite(ctx, st.id, content, server.Version)
	if err == nil {
		e.mu.Lock()
		st.conflict = nil
		st.ownLineage = false
		e.commitSucceededLocked(st, seq, server.Version, doc)
		e.armIfPendingLocked(st)
		e.mu.Unlock()
		return doc, nil
	}
	if errors.Is(err, ErrVersionConflict) {
		latest, readErr := e.gateway.conflictCurrent(ctx, st.id, err)
		if readErr != nil {
			return Document{}, readErr
		}
		e.mu.Lock()
		e.recordConflictLocked(st, local, latest)
		e.mu.Unlock()
		ConflictCount.WithLabelValues(string(StrategyManual)).Inc()
		e.log.Warn().
			Str("document_id", st.id).
			Int64("server_version", latest.Version).
			Msg("server moved again while overwriting, conflict parked")
		return Document{}, &VersionConflictError{DocumentID: st.id, ExpectedVersion: server.Version, Current: latest}
	}
	// The overwrite decision stands; the retry goes out against the server
	// version we already know about.
	e.mu.Lock()
	st.conflict = nil
	if st.pending != nil {
		st.pending.BaseVersion = server.Version
	}
	e.commitFailedLocked(st, seq, err)
	if st.seq != seq {
		e.armIfPendingLocked(st)
	}
	e.mu.Unlock()
	return Document{}, err
}

// adoptServerLocked makes server the baseline. The pending save is dropped
// only when it is the one seq covered.
func (e *Engine) adoptServerLocked(st *documentState, seq uint64, server Document) Document {
	adopted := server
	st.baseline = &adopted
	st.ownLineage = false
	st.conflict = nil
	st.retry = nil
	st.failure = nil
	if st.seq == seq {
		e.setPendingLocked(st, nil)
	} else if st.pending != nil {
		// Edited after the commit started: keep it on top of the server copy.
		st.pending.BaseVersion = server.Version
	}
	CommitCount.WithLabelValues("server_adopted").Inc()
	e.log.Info().
		Str("document_id", st.id).
		Int64("version", server.Version).
		Msg("server version adopted")
	e.armIfPendingLocked(st)
	e.notifyLocked(st)
	return server
}

func (e *Engine) armIfPendingLocked(st *documentState) {
	if st.pending != nil && st.conflict == nil && e.enabled && !st.paused && !e.closed {
		e.armLocked(st, debounceTimer, e.debounce)
	}
}

// Resolve settles the recorded conflict of a document.
func (e *Engine) Resolve(ctx context.Context, documentID string, res Resolution) (Document, error) {
	documentID = strings.TrimSpace(documentID)
	strategy, err := resolutionStrategy(res.Strategy)
	if err != nil {
		return Document{}, err
	}
	if strategy == StrategyManualMerge && strings.TrimSpace(res.MergedContent) == "" {
		return Document{}, fmt.Errorf("%w: manual_merge requires merged content", ErrInvalidInput)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Document{}, ErrClosed
	}
	st, ok := e.docs[documentID]
	if !ok || st.conflict == nil {
		e.mu.Unlock()
		return Document{}, ErrNoConflict
	}
	e.mu.Unlock()

	st.commitMu.Lock()
	defer st.commitMu.Unlock()

	e.mu.Lock()
	if st.conflict == nil {
		e.mu.Unlock()
		return Document{}, ErrNoConflict
	}
	info := *st.conflict
	seq := st.seq
	e.mu.Unlock()

	if strategy == StrategyServerWins {
		current, err := e.gateway.read(ctx, documentID)
		if err != nil {
			return Document{}, err
		}
		e.mu.Lock()
		doc := e.adoptServerLocked(st, seq, current)
		e.mu.Unlock()
		return doc, nil
	}

	content := info.LocalContent
	if strategy == StrategyManualMerge {
		content = res.MergedContent
	}
	if err := e.checkSession(documentID); err != nil {
		return Document{}, err
	}
	doc, err := e.gateway.overwrite(ctx, documentID, content, info.ServerVersion)
	if errors.Is(err, ErrVersionConflict) {
		latest, readErr := e.gateway.conflictCurrent(ctx, documentID, err)
		if readErr != nil {
			return Document{}, readErr
		}
		e.mu.Lock()
		e.recordConflictLocked(st, PendingSave{DocumentID: documentID, Content: info.LocalContent, BaseVersion: info.LocalVersion}, latest)
		e.mu.Unlock()
		return Document{}, &VersionConflictError{DocumentID: documentID, ExpectedVersion: info.ServerVersion, Current: latest}
	}
	if err != nil {
		return Document{}, err
	}

	e.mu.Lock()
	st.conflict = nil
	st.ownLineage = false
	if st.seq != seq && st.pending != nil {
		st.pending.BaseVersion = doc.Version
	}
	e.commitSucceededLocked(st, seq, info.ServerVersion, doc)
	e.armIfPendingLocked(st)
	e.mu.Unlock()
	e.log.Info().
		Str("document_id", documentID).
		Str("strategy", string(strategy)).
		Int64("version", doc.Version).
		Msg("conflict resolved")
	return doc, nil
}
