// Package notesclient talks to a remote note store over the autosave HTTP API
// and exposes it as an autosave.NoteStore.
package notesclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/autosave/internal/autosave"
	"github.com/google/uuid"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type writeRequest struct {
	Content string `json:"content"`
}

func (c *Client) Get(ctx context.Context, id string) (autosave.Document, error) {
	var out autosave.Document
	err := c.doJSON(ctx, http.MethodGet, notePath(id), nil, nil, &out)
	return out, err
}

// UpdateConditional sends the write with If-Match set to expectedVersion.
// Writes are never retried here: a lost response would make the retry look
// like a conflict with our own write. The engine's retry manager owns that.
func (c *Client) UpdateConditional(ctx context.Context, id, content string, expectedVersion int64) (autosave.Document, error) {
	if expectedVersion < 0 {
		return autosave.Document{}, autosave.ErrInvalidInput
	}
	var out autosave.Document
	headers := map[string]string{"If-Match": strconv.FormatInt(expectedVersion, 10)}
	err := c.doJSON(ctx, http.MethodPut, notePath(id), headers, writeRequest{Content: content}, &out)
	return out, err
}

// Create writes a new note; If-Match 0 means the note must not exist yet.
func (c *Client) Create(ctx context.Context, id, content string) (autosave.Document, error) {
	var out autosave.Document
	headers := map[string]string{"If-Match": "0"}
	err := c.doJSON(ctx, http.MethodPut, notePath(id), headers, writeRequest{Content: content}, &out)
	return out, err
}

func notePath(id string) string {
	return "/v1/notes/" + url.PathEscape(strings.TrimSpace(id))
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	maxRetries := c.maxRetries
	if method != http.MethodGet {
		maxRetries = 0
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return &autosave.TransientError{Op: method + " " + requestPath, Err: ctxErr}
			}
			if attempt < maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &autosave.TransientError{Op: method + " " + requestPath, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &autosave.TransientError{Op: method + " " + requestPath, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code            string             `json:"code"`
			Message         string             `json:"message"`
			ExpectedVersion int64              `json:"expectedVersion"`
			Current         *autosave.Document `json:"current"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
		switch {
		case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
			documentID, _ := url.PathUnescape(strings.TrimPrefix(requestPath, "/v1/notes/"))
			conflict := &autosave.VersionConflictError{
				DocumentID:      documentID,
				ExpectedVersion: errPayload.ExpectedVersion,
			}
			if errPayload.Current != nil {
				conflict.Current = *errPayload.Current
			}
			return conflict
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", autosave.ErrNotFound, httpErr)
		case resp.StatusCode == http.StatusBadRequest:
			return fmt.Errorf("%w: %s", autosave.ErrInvalidInput, httpErr)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %s", autosave.ErrSessionExpired, httpErr)
		case retryable:
			return &autosave.TransientError{Op: method + " " + requestPath, Err: httpErr}
		default:
			return httpErr
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfter string) time.Duration {
	if delay := parseRetryAfter(retryAfter); delay > 0 {
		if delay > c.maxDelay {
			return c.maxDelay
		}
		return delay
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ autosave.NoteStore = (*Client)(nil)
var _ autosave.NoteCreator = (*Client)(nil)
