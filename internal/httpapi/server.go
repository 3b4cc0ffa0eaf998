package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/autosave/internal/autosave"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Gatherer backs GET /metrics. Defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
	Logger   *zerolog.Logger
}

// Server exposes the note store and the autosave engine over HTTP.
type Server struct {
	engine      *autosave.Engine
	store       autosave.NoteStore
	sessions    *Sessions
	cfg         ServerConfig
	rateLimiter *rateLimiter
	metrics     http.Handler
	log         zerolog.Logger
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *autosave.Engine, store autosave.NoteStore, sessions *Sessions) *Server {
	return NewServerWithConfig(engine, store, sessions, ServerConfig{})
}

func NewServerWithConfig(engine *autosave.Engine, store autosave.NoteStore, sessions *Sessions, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "httpapi").Logger()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		store:       store,
		sessions:    sessions,
		cfg:         cfg,
		rateLimiter: limiter,
		metrics:     promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
		log:         log,
		now:         time.Now,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts, ok := splitEscapedPath(r.URL.EscapedPath())
	if !ok || len(parts) < 3 || parts[0] != "v1" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	documentID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[1] == "notes" && r.Method == http.MethodGet:
		requiredScope = "notes:read"
		route = "get_note"
	case len(parts) == 3 && parts[1] == "notes" && r.Method == http.MethodPut:
		requiredScope = "notes:write"
		route = "put_note"
	case len(parts) == 3 && parts[1] == "autosave" && r.Method == http.MethodPut:
		requiredScope = "autosave:write"
		route = "schedule"
	case len(parts) == 3 && parts[1] == "autosave" && r.Method == http.MethodDelete:
		requiredScope = "autosave:write"
		route = "untrack"
	case len(parts) == 3 && parts[1] == "autosave" && r.Method == http.MethodGet:
		requiredScope = "autosave:read"
		route = "status"
	case len(parts) == 4 && parts[1] == "autosave" && parts[3] == "status" && r.Method == http.MethodGet:
		requiredScope = "autosave:read"
		route = "status"
	case len(parts) == 4 && parts[1] == "autosave" && parts[3] == "stream" && r.Method == http.MethodGet:
		requiredScope = "autosave:read"
		route = "stream"
	case len(parts) == 4 && parts[1] == "autosave" && parts[3] == "save" && r.Method == http.MethodPost:
		requiredScope = "autosave:write"
		route = "save_now"
	case len(parts) == 4 && parts[1] == "autosave" && parts[3] == "pause" && r.Method == http.MethodPost:
		requiredScope = "autosave:write"
		route = "pause"
	case len(parts) == 4 && parts[1] == "autosave" && parts[3] == "resume" && r.Method == http.MethodPost:
		requiredScope = "autosave:write"
		route = "resume"
	case len(parts) == 4 && parts[1] == "autosave" && parts[3] == "resolve" && r.Method == http.MethodPost:
		requiredScope = "autosave:write"
		route = "resolve"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	correlationID := getCorrelationID(r)
	if route == "stream" {
		// Browsers cannot set headers on a websocket handshake.
		if authHeader == "" {
			if token := r.URL.Query().Get("access_token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, s.now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, s.now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "get_note":
		s.handleGetNote(w, r, documentID, correlationID)
	case "put_note":
		s.handlePutNote(w, r, documentID, correlationID)
	case "schedule":
		s.handleSchedule(w, r, documentID, claims, correlationID)
	case "untrack":
		s.handleUntrack(w, documentID)
	case "status":
		writeJSON(w, http.StatusOK, s.engine.Status(documentID))
	case "stream":
		s.handleStream(w, r, documentID, correlationID)
	case "save_now":
		s.handleSaveNow(w, r, documentID, claims, correlationID)
	case "pause":
		s.handlePause(w, documentID, correlationID)
	case "resume":
		s.handleResume(w, documentID, correlationID)
	case "resolve":
		s.handleResolve(w, r, documentID, claims, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	doc, err := s.store.Get(r.Context(), documentID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(doc.Version, 10)))
	writeJSON(w, http.StatusOK, doc)
}

// handlePutNote is the conditional write used by remote engines. If-Match
// carries the expected version; 0 creates the note.
func (s *Server) handlePutNote(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	ifMatch := normalizeIfMatchHeader(r.Header.Get("If-Match"))
	if ifMatch == "" {
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", "missing If-Match header", correlationID)
		return
	}
	expectedVersion, err := strconv.ParseInt(ifMatch, 10, 64)
	if err != nil || expectedVersion < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "If-Match must be a non-negative version", correlationID)
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}

	var doc autosave.Document
	if expectedVersion == 0 {
		creator, ok := s.store.(autosave.NoteCreator)
		if !ok {
			writeError(w, http.StatusNotImplemented, "not_implemented", "store cannot create notes", correlationID)
			return
		}
		doc, err = creator.Create(r.Context(), documentID, body.Content)
	} else {
		doc, err = s.store.UpdateConditional(r.Context(), documentID, body.Content, expectedVersion)
	}
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(doc.Version, 10)))
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request, documentID string, claims tokenClaims, correlationID string) {
	var body struct {
		Content     string `json:"content"`
		BaseVersion *int64 `json:"baseVersion"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.BaseVersion == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "missing baseVersion", correlationID)
		return
	}
	s.sessions.Touch(documentID, claims.ExpiresAt)
	if err := s.engine.Schedule(documentID, body.Content, *body.BaseVersion); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, s.engine.Status(documentID))
}

func (s *Server) handleSaveNow(w http.ResponseWriter, r *http.Request, documentID string, claims tokenClaims, correlationID string) {
	s.sessions.Touch(documentID, claims.ExpiresAt)
	doc, err := s.engine.SaveNow(r.Context(), documentID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document": doc,
		"status":   s.engine.Status(documentID),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, documentID, correlationID string) {
	if err := s.engine.Pause(documentID); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status(documentID))
}

func (s *Server) handleResume(w http.ResponseWriter, documentID, correlationID string) {
	if err := s.engine.Resume(documentID); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status(documentID))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, documentID string, claims tokenClaims, correlationID string) {
	var res autosave.Resolution
	if !s.decodeJSONBody(w, r, correlationID, &res) {
		return
	}
	s.sessions.Touch(documentID, claims.ExpiresAt)
	doc, err := s.engine.Resolve(r.Context(), documentID, res)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document": doc,
		"status":   s.engine.Status(documentID),
	})
}

func (s *Server) handleUntrack(w http.ResponseWriter, documentID string) {
	s.engine.Untrack(documentID)
	s.sessions.Forget(documentID)
	writeJSON(w, http.StatusOK, s.engine.Status(documentID))
}

// writeEngineError maps engine and store errors onto status codes. Version
// conflicts carry enough detail for a client to rebuild the conflict.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *autosave.VersionConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":            "version_conflict",
			"message":         err.Error(),
			"correlationId":   correlationID,
			"expectedVersion": conflict.ExpectedVersion,
			"currentVersion":  conflict.Current.Version,
			"current":         conflict.Current,
		})
		return
	}
	var transient *autosave.TransientError
	switch {
	case errors.Is(err, autosave.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, autosave.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, autosave.ErrNoPendingSave):
		writeError(w, http.StatusBadRequest, "no_pending_save", err.Error(), correlationID)
	case errors.Is(err, autosave.ErrNoConflict):
		writeError(w, http.StatusBadRequest, "no_conflict", err.Error(), correlationID)
	case errors.Is(err, autosave.ErrConflictUnresolved):
		writeError(w, http.StatusConflict, "conflict_unresolved", err.Error(), correlationID)
	case errors.Is(err, autosave.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, "session_expired", err.Error(), correlationID)
	case errors.Is(err, autosave.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error(), correlationID)
	case errors.Is(err, autosave.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	case errors.As(err, &transient):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error(), correlationID)
	default:
		s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

// splitEscapedPath splits on raw slashes only, so document IDs may contain an
// escaped "/".
func splitEscapedPath(escaped string) ([]string, bool) {
	raw := strings.Split(strings.TrimPrefix(escaped, "/"), "/")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		decoded, err := url.PathUnescape(part)
		if err != nil {
			return nil, false
		}
		parts = append(parts, strings.TrimSpace(decoded))
	}
	return parts, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}
