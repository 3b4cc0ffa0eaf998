package autosave

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrVersionConflict    = errors.New("version conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNoPendingSave      = errors.New("no pending save")
	ErrNoConflict         = errors.New("no conflict to resolve")
	ErrConflictUnresolved = errors.New("conflict unresolved")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrSessionExpired     = errors.New("session expired")
	ErrClosed             = errors.New("engine closed")
	ErrNotImplemented     = errors.New("not implemented")
)

// VersionConflictError reports that the stored document moved past the
// version a write was conditioned on. Current is the zero Document when the
// store could not tell which version won.
type VersionConflictError struct {
	DocumentID      string
	ExpectedVersion int64
	Current         Document
}

func (e *VersionConflictError) Error() string {
	if e.Current.ID == "" {
		return fmt.Sprintf("version conflict on %s: expected version %d", e.DocumentID, e.ExpectedVersion)
	}
	return fmt.Sprintf("version conflict on %s: expected version %d, current %d", e.DocumentID, e.ExpectedVersion, e.Current.Version)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// TransientError marks a persistence failure worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return e.Op + ": transient failure"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotImplemented)
}

type Document struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type PendingSave struct {
	DocumentID  string    `json:"documentId"`
	Content     string    `json:"content"`
	BaseVersion int64     `json:"baseVersion"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

type ConflictInfo struct {
	DocumentID    string    `json:"documentId"`
	LocalVersion  int64     `json:"localVersion"`
	ServerVersion int64     `json:"serverVersion"`
	LocalContent  string    `json:"localContent"`
	ServerContent string    `json:"serverContent"`
	DetectedAt    time.Time `json:"detectedAt"`
}

type RetryInfo struct {
	DocumentID  string    `json:"documentId"`
	Content     string    `json:"content"`
	Attempt     int       `json:"attempt"`
	NextRetryAt time.Time `json:"nextRetryAt"`
	LastError   string    `json:"lastError"`
}

// FailureInfo is kept once automatic retries stop. The pending content stays
// recorded so a later SaveNow can try again.
type FailureInfo struct {
	DocumentID string    `json:"documentId"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError"`
	Permanent  bool      `json:"permanent"`
	FailedAt   time.Time `json:"failedAt"`
}

type SaveState string

const (
	StateSaved    SaveState = "saved"
	StatePending  SaveState = "pending"
	StateConflict SaveState = "conflict"
	StateRetrying SaveState = "retrying"
	StateError    SaveState = "error"
)

// Status is the externally visible state of one document. State picks which
// of the attached records is authoritative.
type Status struct {
	DocumentID string        `json:"documentId"`
	State      SaveState     `json:"state"`
	Document   *Document     `json:"document,omitempty"`
	Pending    *PendingSave  `json:"pending,omitempty"`
	Conflict   *ConflictInfo `json:"conflict,omitempty"`
	Retry      *RetryInfo    `json:"retry,omitempty"`
	Failure    *FailureInfo  `json:"failure,omitempty"`
	Paused     bool          `json:"paused,omitempty"`
}

type Strategy string

const (
	StrategyServerWins  Strategy = "server_wins"
	StrategyLocalWins   Strategy = "local_wins"
	StrategyUserWins    Strategy = "user_wins"
	StrategyManual      Strategy = "manual"
	StrategyManualMerge Strategy = "manual_merge"
)

// ParseStrategy accepts the automatic conflict policies an engine can run with.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return StrategyUserWins, nil
	case StrategyServerWins:
		return StrategyServerWins, nil
	case StrategyUserWins, StrategyLocalWins:
		return StrategyUserWins, nil
	case StrategyManual:
		return StrategyManual, nil
	default:
		return "", fmt.Errorf("%w: unknown conflict strategy %q", ErrInvalidInput, raw)
	}
}

type Resolution struct {
	Strategy      Strategy `json:"strategy"`
	MergedContent string   `json:"mergedContent,omitempty"`
}

func resolutionStrategy(s Strategy) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(string(s)))) {
	case StrategyServerWins:
		return StrategyServerWins, nil
	case StrategyLocalWins, StrategyUserWins:
		return StrategyLocalWins, nil
	case StrategyManualMerge:
		return StrategyManualMerge, nil
	default:
		return "", fmt.Errorf("%w: unsupported resolution strategy %q", ErrInvalidInput, s)
	}
}
