package autosave

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const subscriberBuffer = 32

// StatusEvent is one state transition pushed to subscribers. IDs are ULIDs and
// sort in emission order.
type StatusEvent struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Status Status    `json:"status"`
}

type subscriber struct {
	ch     chan StatusEvent
	closed bool
}

// Status reports the current state of a document. It has no side effects.
func (e *Engine) Status(documentID string) Status {
	documentID = strings.TrimSpace(documentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return statusOf(documentID, e.docs[documentID])
}

// statusOf applies the precedence conflict > retrying > error > pending > saved.
func statusOf(documentID string, st *documentState) Status {
	status := Status{DocumentID: documentID, State: StateSaved}
	if st == nil {
		return status
	}
	status.Paused = st.paused
	if st.baseline != nil {
		doc := *st.baseline
		status.Document = &doc
	}
	if st.pending != nil {
		pending := *st.pending
		status.Pending = &pending
	}
	switch {
	case st.conflict != nil:
		conflict := *st.conflict
		status.State = StateConflict
		status.Conflict = &conflict
	case st.retry != nil:
		retry := *st.retry
		status.State = StateRetrying
		status.Retry = &retry
	case st.failure != nil:
		failure := *st.failure
		status.State = StateError
		status.Failure = &failure
	case st.pending != nil:
		status.State = StatePending
	}
	return status
}

// Subscribe streams status transitions of one document, or of every document
// when documentID is empty. Events are dropped for a subscriber that falls
// more than a buffer behind; Status is always authoritative. The returned
// func unsubscribes and closes the channel.
func (e *Engine) Subscribe(documentID string) (<-chan StatusEvent, func()) {
	documentID = strings.TrimSpace(documentID)
	sub := &subscriber{ch: make(chan StatusEvent, subscriberBuffer)}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	e.nextSubID++
	id := e.nextSubID
	subs, ok := e.subscribers[documentID]
	if !ok {
		subs = map[uint64]*subscriber{}
		e.subscribers[documentID] = subs
	}
	subs[id] = sub
	e.mu.Unlock()

	return sub.ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if subs, ok := e.subscribers[documentID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(e.subscribers, documentID)
			}
		}
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
}

func (e *Engine) notifyLocked(st *documentState) {
	if len(e.subscribers) == 0 {
		return
	}
	targets := e.subscribers[st.id]
	wildcard := e.subscribers[""]
	if len(targets) == 0 && len(wildcard) == 0 {
		return
	}
	ev := StatusEvent{
		ID:     ulid.Make().String(),
		At:     e.now(),
		Status: statusOf(st.id, st),
	}
	for _, group := range []map[uint64]*subscriber{targets, wildcard} {
		for _, sub := range group {
			if sub.closed {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				e.log.Debug().Str("document_id", st.id).Msg("status subscriber lagging, event dropped")
			}
		}
	}
}

func (e *Engine) closeSubscribersLocked() {
	for key, subs := range e.subscribers {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(e.subscribers, key)
	}
}
