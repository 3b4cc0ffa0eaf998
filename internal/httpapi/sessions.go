package httpapi

import (
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/autosave/internal/autosave"
)

// Sessions remembers, per document, until when the newest token that edited
// it stays valid. Check plugs into autosave.Options.SessionCheck so a
// debounced save never outlives the editor's session.
type Sessions struct {
	mu     sync.Mutex
	expiry map[string]time.Time
	now    func() time.Time
}

func NewSessions() *Sessions {
	return &Sessions{
		expiry: map[string]time.Time{},
		now:    time.Now,
	}
}

func (s *Sessions) Touch(documentID string, expiresAt time.Time) {
	documentID = strings.TrimSpace(documentID)
	if s == nil || documentID == "" || expiresAt.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.expiry[documentID]; ok && current.After(expiresAt) {
		return
	}
	s.expiry[documentID] = expiresAt
}

func (s *Sessions) Forget(documentID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expiry, strings.TrimSpace(documentID))
}

// Check fails once the recorded session for documentID expired. Documents
// never edited through the API have no session and always pass.
func (s *Sessions) Check(documentID string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.expiry[documentID]
	if !ok {
		return nil
	}
	if !s.now().Before(expiresAt) {
		return autosave.ErrSessionExpired
	}
	return nil
}
