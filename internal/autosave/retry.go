package autosave

import (
	"fmt"
	"time"
)

const maxBackoffShift = 30

// retryBackoff is the wait before retry n: base * 2^(n-1).
func retryBackoff(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	shift := n - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base * time.Duration(1<<uint(shift))
}

// scheduleRetryLocked books retry n for a failed commit. Retries count on
// top of the first attempt, so maxRetries=3 gives up on the fourth failed
// write and keeps the pending save for a manual SaveNow.
func (e *Engine) scheduleRetryLocked(st *documentState, err error) {
	n := 1
	if st.retry != nil {
		n = st.retry.Attempt + 1
	}
	if n > e.maxRetries {
		st.retry = nil
		st.failure = &FailureInfo{
			DocumentID: st.id,
			Attempts:   n,
			LastError:  fmt.Errorf("%w: %v", ErrRetriesExhausted, err).Error(),
			FailedAt:   e.now(),
		}
		RetriesExhaustedCount.Inc()
		e.log.Error().
			Str("document_id", st.id).
			Int("attempts", n).
			Err(err).
			Msg("save abandoned after retries")
		e.notifyLocked(st)
		return
	}
	delay := retryBackoff(e.retryDelay, n)
	st.retry = &RetryInfo{
		DocumentID:  st.id,
		Content:     st.pending.Content,
		Attempt:     n,
		NextRetryAt: e.now().Add(delay),
		LastError:   err.Error(),
	}
	RetryCount.Inc()
	e.log.Warn().
		Str("document_id", st.id).
		Int("attempt", n).
		Dur("delay", delay).
		Err(err).
		Msg("save failed, retry scheduled")
	if !st.paused {
		e.armLocked(st, retryTimer, delay)
	}
	e.notifyLocked(st)
}
