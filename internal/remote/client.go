// Package remote talks to the external valuation engine over HTTP.
package remote

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

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/session"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderCorrelationID  = "X-Correlation-Id"
)

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// MaxRetries bounds the in-call retries on network errors, 429 and
	// 5xx; negative disables them.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     logr.Logger
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     logr.Logger
}

func NewHTTPClient(opts Options) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     opts.Logger,
	}
}

// FetchSession returns the authoritative copy of a session, validated
// against the session schema. A missing record yields session.ErrNotFound.
func (c *HTTPClient) FetchSession(ctx context.Context, recordID string) (session.Session, error) {
	if strings.TrimSpace(recordID) == "" {
		return session.Session{}, session.ErrInvalidInput
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(recordID), nil, nil, &raw); err != nil {
		return session.Session{}, err
	}
	s, err := session.Decode(raw)
	if err != nil {
		return session.Session{}, fmt.Errorf("fetch session %s: %w", recordID, err)
	}
	if s.RecordID != recordID {
		return session.Session{}, fmt.Errorf("%w: asked for %s, got %s", session.ErrWrongRecord, recordID, s.RecordID)
	}
	return s, nil
}

// SaveSession persists s. The idempotency key lets the engine collapse
// retries of the same logical save, including the in-call retries here.
func (c *HTTPClient) SaveSession(ctx context.Context, s session.Session, idempotencyKey string) (session.Session, error) {
	if strings.TrimSpace(s.RecordID) == "" || strings.TrimSpace(idempotencyKey) == "" {
		return session.Session{}, session.ErrInvalidInput
	}
	payload := s.Clone()
	payload.Confirmation = ""
	if payload.Fields == nil {
		payload.Fields = map[string]any{}
	}
	headers := map[string]string{HeaderIdempotencyKey: idempotencyKey}
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(s.RecordID), headers, payload, &raw); err != nil {
		return session.Session{}, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return session.Session{}, nil
	}
	saved, err := session.Decode(raw)
	if err != nil {
		return session.Session{}, fmt.Errorf("save session %s: %w", s.RecordID, err)
	}
	return saved, nil
}

type calculateRequest struct {
	Fields map[string]any `json:"fields"`
}

// Calculate asks the engine for a lightweight recalculation of the given
// field values without persisting them.
func (c *HTTPClient) Calculate(ctx context.Context, recordID string, fields map[string]any) (session.Result, error) {
	if strings.TrimSpace(recordID) == "" {
		return session.Result{}, session.ErrInvalidInput
	}
	var result session.Result
	err := c.doJSON(ctx, http.MethodPost, sessionPath(recordID)+"/calculate", nil, calculateRequest{Fields: fields}, &result)
	return result, err
}

func sessionPath(recordID string) string {
	return "/sessions/" + url.PathEscape(recordID)
}

func (c *HTTPClient) doJSON(
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
	correlationID := uuid.NewString()
	log := c.logger.WithValues("method", method, "path", requestPath, "correlationId", correlationID)
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
		req.Header.Set(HeaderCorrelationID, correlationID)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				log.V(1).Info("request failed, retrying", "attempt", attempt+1, "error", err.Error())
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			log.V(1).Info("transient status, retrying", "attempt", attempt+1, "status", resp.StatusCode)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
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
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
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
