// Package mockengine is a development stand-in for the valuation engine:
// session storage with idempotent saves, a recalculation endpoint and a
// scripted conversation over a websocket stream.
package mockengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/catalog"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/idempotency"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/session"
)

const (
	Methodology      = "DCF + Market Multiples"
	ResultConfidence = 0.85
	RevenueMultiple  = 2.5
)

type ServerConfig struct {
	// Token, when set, is required as a bearer token on session routes.
	Token        string
	MaxBodyBytes int64
	// ReplayWindow bounds how long an idempotency key is remembered.
	ReplayWindow time.Duration
	// StepDelay paces the scripted conversation.
	StepDelay time.Duration
	Catalog   *catalog.Catalog
	Now       func() time.Time
	Logger    logr.Logger
}

type Server struct {
	cfg     ServerConfig
	router  *mux.Router
	catalog *catalog.Catalog
	now     func() time.Time
	logger  logr.Logger

	mu       sync.Mutex
	sessions map[string]session.Session
	replays  map[string]replay
	failures []injectedFailure
	saves    int
}

type replay struct {
	status int
	body   []byte
	at     time.Time
}

type injectedFailure struct {
	status int
	delay  time.Duration
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = idempotency.DefaultWindow
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		cfg:      cfg,
		catalog:  cfg.Catalog,
		now:      cfg.Now,
		logger:   cfg.Logger.WithName("mockengine"),
		sessions: map[string]session.Session{},
		replays:  map[string]replay{},
	}
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	api := r.PathPrefix("/sessions").Subrouter()
	api.Use(s.requireToken)
	api.HandleFunc("/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/{id}", s.handleSaveSession).Methods(http.MethodPost)
	api.HandleFunc("/{id}/calculate", s.handleCalculate).Methods(http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Put stores a session directly, bypassing the save route.
func (s *Server) Put(sess session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.RecordID] = sess.Clone()
}

func (s *Server) Session(id string) (session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, false
	}
	return sess.Clone(), true
}

// FailNextSaves makes the next n save requests fail with status after
// waiting delay. A zero status only delays.
func (s *Server) FailNextSaves(n, status int, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, injectedFailure{status: status, delay: delay})
	}
}

// Saves counts the save requests that reached storage, replays excluded.
func (s *Server) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "Mock Valuation Engine",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok := s.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	correlationID := getCorrelationID(r)
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Idempotency-Key header is required", correlationID)
		return
	}
	if failure, ok := s.nextFailure(); ok {
		if failure.delay > 0 {
			select {
			case <-time.After(failure.delay):
			case <-r.Context().Done():
				return
			}
		}
		if failure.status != 0 {
			writeError(w, failure.status, "injected_failure", "injected failure", correlationID)
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepReplaysLocked()
	if prior, ok := s.replays[key]; ok {
		w.Header().Set("Idempotent-Replayed", "true")
		writeRaw(w, prior.status, prior.body)
		return
	}

	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	incoming, err := session.Decode(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_session", err.Error(), correlationID)
		return
	}
	if incoming.RecordID != id {
		writeError(w, http.StatusBadRequest, "bad_request", "recordId does not match path", correlationID)
		return
	}
	incoming.Confirmation = ""
	if existing, found := s.sessions[id]; found {
		incoming.CreatedAt = existing.CreatedAt
		if existing.UpdatedAt.After(incoming.UpdatedAt) {
			incoming.UpdatedAt = existing.UpdatedAt
		}
	}
	s.sessions[id] = incoming.Clone()
	s.saves++

	payload, err := json.Marshal(incoming)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "encode session", correlationID)
		return
	}
	s.replays[key] = replay{status: http.StatusOK, body: payload, at: s.now()}
	writeRaw(w, http.StatusOK, payload)
}

type calculateRequest struct {
	Fields map[string]any `json:"fields"`
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	correlationID := getCorrelationID(r)
	var req calculateRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	result, err := Calculate(req.Fields, s.now())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", err.Error(), correlationID)
		return
	}
	s.logger.V(1).Info("calculated", "recordId", id, "equityValue", result.EquityValue)
	writeJSON(w, http.StatusOK, result)
}

// Calculate produces the engine's valuation for the collected fields:
// revenue times a fixed multiple with a +/-20% range.
func Calculate(fields map[string]any, now time.Time) (session.Result, error) {
	revenue, ok := fields["revenue"].(float64)
	if !ok {
		return session.Result{}, errors.New("revenue is required and must be a number")
	}
	if revenue <= 0 || math.IsNaN(revenue) || math.IsInf(revenue, 0) {
		return session.Result{}, fmt.Errorf("revenue %v must be positive", revenue)
	}
	value := math.Trunc(revenue * RevenueMultiple)
	return session.Result{
		ValuationID: fmt.Sprintf("val_%d", now.Unix()),
		EquityValue: value,
		Range: session.Range{
			Min: math.Trunc(value * 0.8),
			Max: math.Trunc(value * 1.2),
		},
		Confidence:  ResultConfidence,
		Methodology: Methodology,
	}, nil
}

func (s *Server) nextFailure() (injectedFailure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return injectedFailure{}, false
	}
	f := s.failures[0]
	s.failures = s.failures[1:]
	return f, true
}

func (s *Server) sweepReplaysLocked() {
	now := s.now()
	for key, prior := range s.replays {
		if now.Sub(prior.at) >= s.cfg.ReplayWindow {
			delete(s.replays, key)
		}
	}
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

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
