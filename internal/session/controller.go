package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/go-logr/logr"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/cache"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/idempotency"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/metrics"
)

// OperationSave names the idempotency scope of a session persist.
const OperationSave = "save"

type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
)

// Writer persists a session at the authority. The returned session carries
// whatever the authority echoed back; a zero value is acceptable.
type Writer interface {
	SaveSession(ctx context.Context, s Session, idempotencyKey string) (Session, error)
}

type ControllerOptions struct {
	Writer    Writer
	Keys      *idempotency.Registry
	Cache     *cache.Store[Session]
	Existence *cache.Existence
	// IsTransient decides whether a failed save may be retried with the
	// same idempotency key. Defaults to timeouts and network errors.
	IsTransient func(error) bool
	Now         func() time.Time
	Logger      logr.Logger
	Metrics     *metrics.Metrics
}

// Controller owns the single in-memory session. Mutations mark it dirty and
// Save brings it back to clean.
type Controller struct {
	writer      Writer
	keys        *idempotency.Registry
	cache       *cache.Store[Session]
	existence   *cache.Existence
	isTransient func(error) bool
	now         func() time.Time
	logger      logr.Logger
	metrics     *metrics.Metrics

	saveMu sync.Mutex

	mu            sync.Mutex
	state         State
	loadingID     string
	current       *Session
	version       uint64
	pending       map[string]struct{}
	persistedHash string
}

func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Writer == nil {
		return nil, fmt.Errorf("session controller: writer is required")
	}
	if opts.Keys == nil {
		return nil, fmt.Errorf("session controller: idempotency registry is required")
	}
	if opts.IsTransient == nil {
		opts.IsTransient = DefaultIsTransient
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		writer:      opts.Writer,
		keys:        opts.Keys,
		cache:       opts.Cache,
		existence:   opts.Existence,
		isTransient: opts.IsTransient,
		now:         opts.Now,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		state:       StateUninitialized,
		pending:     map[string]struct{}{},
	}, nil
}

// DefaultIsTransient treats deadlines, cancellations and network timeouts
// as retryable.
func DefaultIsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Holds reports whether id is the session being loaded or worked on.
func (c *Controller) Holds(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateLoading:
		return c.loadingID == id
	case StateReady:
		return c.current != nil && c.current.RecordID == id
	}
	return false
}

func (c *Controller) Current() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.current == nil {
		return Session{}, false
	}
	return c.current.Clone(), true
}

func (c *Controller) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.Dirty
}

// BeginLoad discards any held session and starts loading id.
func (c *Controller) BeginLoad(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	c.state = StateLoading
	c.loadingID = id
	return nil
}

// FailLoad abandons a load that could not be completed.
func (c *Controller) FailLoad(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLoading && c.loadingID == id {
		c.resetLocked()
	}
}

// CreateOptimistic makes a fresh, unconfirmed session available immediately,
// before the authority has seen it.
func (c *Controller) CreateOptimistic(id string, flow FlowKind) (Session, error) {
	if strings.TrimSpace(id) == "" {
		return Session{}, ErrInvalidInput
	}
	if !flow.Valid() {
		return Session{}, fmt.Errorf("%w: unknown flow kind %q", ErrInvalidInput, flow)
	}
	now := c.now()
	s := Session{
		RecordID:     id,
		FlowKind:     flow,
		Fields:       map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
		Confirmation: Unconfirmed,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	c.state = StateReady
	c.current = &s
	return s.Clone(), nil
}

// Adopt finishes a load with a session read from the cache or the authority.
func (c *Controller) Adopt(s Session) error {
	if strings.TrimSpace(s.RecordID) == "" {
		return ErrInvalidInput
	}
	adopted := s.Clone()
	adopted.Dirty = false
	if adopted.Confirmation == "" {
		adopted.Confirmation = Confirmed
	}
	hash, err := adopted.Fingerprint()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateLoading || c.loadingID != s.RecordID {
		return fmt.Errorf("%w: not loading %s", ErrWrongRecord, s.RecordID)
	}
	c.state = StateReady
	c.loadingID = ""
	c.current = &adopted
	c.pending = map[string]struct{}{}
	if adopted.Confirmation != Unconfirmed {
		c.persistedHash = hash
	}
	return nil
}

// Clear drops the held session, as on an explicit exit.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Controller) resetLocked() {
	c.state = StateUninitialized
	c.loadingID = ""
	c.current = nil
	c.pending = map[string]struct{}{}
	c.persistedHash = ""
	c.version++
}

func (c *Controller) SetField(fieldID string, value any) error {
	return c.ApplyFieldUpdates([]FieldUpdate{{FieldID: fieldID, Value: value, Source: SourceUser}})
}

// ApplyFieldUpdates applies updates in order as one mutation. Updates that
// do not change a value leave the session clean.
func (c *Controller) ApplyFieldUpdates(updates []FieldUpdate) error {
	for _, u := range updates {
		if strings.TrimSpace(u.FieldID) == "" {
			return fmt.Errorf("%w: field update without field id", ErrInvalidInput)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return err
	}
	changed := false
	for _, u := range updates {
		if prev, ok := c.current.Fields[u.FieldID]; ok && reflect.DeepEqual(prev, u.Value) {
			continue
		}
		c.current.Fields[u.FieldID] = u.Value
		c.pending[u.FieldID] = struct{}{}
		changed = true
	}
	if changed {
		c.touchLocked()
	}
	return nil
}

func (c *Controller) SetArtifact(kind ArtifactKind, html string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return err
	}
	switch kind {
	case ArtifactReport:
		if c.current.Artifacts.ReportHTML == html {
			return nil
		}
		c.current.Artifacts.ReportHTML = html
	case ArtifactBreakdown:
		if c.current.Artifacts.BreakdownHTML == html {
			return nil
		}
		c.current.Artifacts.BreakdownHTML = html
	default:
		return fmt.Errorf("%w: unknown artifact %q", ErrInvalidInput, kind)
	}
	c.touchLocked()
	return nil
}

// SetResult records a calculated result. Results are derived from the
// fields, so they are carried along with the next save but never make the
// session dirty on their own.
func (c *Controller) SetResult(result Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return err
	}
	c.current.Result = &result
	return nil
}

func (c *Controller) readyLocked() error {
	if c.state != StateReady || c.current == nil {
		return ErrNotReady
	}
	return nil
}

func (c *Controller) touchLocked() {
	c.version++
	c.current.Dirty = true
	if now := c.now(); now.After(c.current.UpdatedAt) {
		c.current.UpdatedAt = now
	}
}

// Save persists the held session if it is dirty. The idempotency key for
// (recordId, save) is reused across retries and dropped only once the
// authority has answered definitively.
func (c *Controller) Save(ctx context.Context) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if !c.current.Dirty && c.current.Confirmation != Unconfirmed {
		c.mu.Unlock()
		return nil
	}
	snapshot := c.current.Clone()
	version := c.version
	hash, err := snapshot.Fingerprint()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if hash == c.persistedHash {
		c.current.Dirty = false
		c.pending = map[string]struct{}{}
		c.mu.Unlock()
		c.metrics.Save("skipped")
		return nil
	}
	c.mu.Unlock()

	id := snapshot.RecordID
	key, err := c.keys.GetOrCreate(id, OperationSave)
	if err != nil {
		return err
	}
	log := c.logger.WithValues("recordId", id, "idempotencyKey", key)

	saved, err := c.writer.SaveSession(ctx, snapshot, key)
	if err != nil {
		if c.isTransient(err) {
			c.metrics.Save("transient")
			log.Info("session save failed, key kept for retry", "error", err.Error())
			return fmt.Errorf("save session %s: %w", id, err)
		}
		c.keys.Clear(id, OperationSave)
		c.metrics.Save("permanent")
		log.Error(err, "session save rejected")
		return fmt.Errorf("save session %s: %w", id, err)
	}
	c.keys.Clear(id, OperationSave)
	c.metrics.Save("saved")

	c.mu.Lock()
	if c.state != StateReady || c.current == nil || c.current.RecordID != id {
		c.mu.Unlock()
		return nil
	}
	if saved.UpdatedAt.After(c.current.UpdatedAt) {
		c.current.UpdatedAt = saved.UpdatedAt
	}
	if c.current.Confirmation == Unconfirmed {
		c.current.Confirmation = Confirmed
	}
	c.persistedHash = hash
	if c.version == version {
		c.current.Dirty = false
		c.pending = map[string]struct{}{}
	}
	cached := c.current.Clone()
	c.mu.Unlock()

	log.V(1).Info("session saved", "dirty", cached.Dirty)
	c.refreshCaches(cached)
	return nil
}

func (c *Controller) refreshCaches(s Session) {
	if c.cache != nil {
		if err := c.cache.Set(s.RecordID, s); err != nil {
			c.logger.Error(err, "refresh session cache failed", "recordId", s.RecordID)
		}
	}
	if c.existence != nil {
		if err := c.existence.MarkExists(s.RecordID); err != nil {
			c.logger.Error(err, "mark session existence failed", "recordId", s.RecordID)
		}
	}
}

// ApplyRemote folds an authoritative copy into the held session:
//
//   - remote older than local: ignored.
//   - same updatedAt: remote only fills fields, artifacts and result that
//     are missing locally.
//   - remote newer: remote wins, except for fields edited locally and not
//     yet saved, which are re-applied on top.
//
// It reports whether the held session changed.
func (c *Controller) ApplyRemote(remote Session) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return false, err
	}
	local := c.current
	if remote.RecordID != local.RecordID {
		return false, fmt.Errorf("%w: holding %s, got %s", ErrWrongRecord, local.RecordID, remote.RecordID)
	}
	if remote.UpdatedAt.Before(local.UpdatedAt) {
		c.logger.V(1).Info("ignoring older remote session", "recordId", local.RecordID,
			"localUpdatedAt", local.UpdatedAt, "remoteUpdatedAt", remote.UpdatedAt)
		return false, nil
	}

	before, err := local.Fingerprint()
	if err != nil {
		return false, err
	}
	merged := cloneFields(local.Fields)
	if remote.UpdatedAt.Equal(local.UpdatedAt) {
		if err := mergo.Merge(&merged, cloneFields(remote.Fields)); err != nil {
			return false, fmt.Errorf("merge remote fields: %w", err)
		}
		if local.Artifacts.ReportHTML == "" {
			local.Artifacts.ReportHTML = remote.Artifacts.ReportHTML
		}
		if local.Artifacts.BreakdownHTML == "" {
			local.Artifacts.BreakdownHTML = remote.Artifacts.BreakdownHTML
		}
		if local.Result == nil && remote.Result != nil {
			result := *remote.Result
			local.Result = &result
		}
	} else {
		merged = cloneFields(remote.Fields)
		unsaved := make(map[string]any, len(c.pending))
		for fieldID := range c.pending {
			if value, ok := local.Fields[fieldID]; ok {
				unsaved[fieldID] = value
			}
		}
		if err := mergo.Merge(&merged, unsaved, mergo.WithOverride); err != nil {
			return false, fmt.Errorf("reapply unsaved fields: %w", err)
		}
		local.Artifacts = remote.Artifacts
		if remote.Result != nil {
			result := *remote.Result
			local.Result = &result
		}
		local.UpdatedAt = remote.UpdatedAt
		if len(c.pending) > 0 {
			// Unsaved edits are newer than anything the authority holds.
			if now := c.now(); now.After(local.UpdatedAt) {
				local.UpdatedAt = now
			}
		}
	}
	local.Fields = merged
	local.Confirmation = Reconciled

	after, err := local.Fingerprint()
	if err != nil {
		return false, err
	}
	if len(c.pending) == 0 {
		local.Dirty = false
		c.persistedHash = after
	}
	return before != after, nil
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
