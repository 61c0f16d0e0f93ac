// Package orchestrator wires the session synchronization pieces into one
// context object per process: caches, idempotency keys, the session
// controller, background verification, the engine stream and the data
// collection that feeds it.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/asset"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/cache"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/catalog"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/collect"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/debounce"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/idempotency"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/metrics"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/reconcile"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/remote"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/session"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/storage"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/stream"
)

var (
	ErrNoSession   = errors.New("orchestrator: no session open")
	ErrNotStreamed = errors.New("orchestrator: stream not connected")
	ErrClosed      = errors.New("orchestrator: closed")
)

// Remote is the authority the orchestrator synchronizes with.
type Remote interface {
	FetchSession(ctx context.Context, recordID string) (session.Session, error)
	SaveSession(ctx context.Context, s session.Session, idempotencyKey string) (session.Session, error)
	Calculate(ctx context.Context, recordID string, fields map[string]any) (session.Result, error)
}

// UserProvider supplies the opaque id of the current user, if any.
type UserProvider interface {
	UserID() string
}

// StaticUser is a UserProvider with a fixed id.
type StaticUser string

func (u StaticUser) UserID() string { return string(u) }

type Options struct {
	Storage storage.Storage
	Remote  Remote
	// StreamURL is the engine's websocket endpoint; Connect fails without it.
	StreamURL string
	// Stream carries reconnect and heartbeat tuning. URL, Logger, Metrics
	// and OnConnectivityWarning are filled in by the orchestrator.
	Stream            stream.Options
	Users             UserProvider
	SessionTTL        time.Duration
	ExistenceTTL      time.Duration
	FreshFor          time.Duration
	VerifyTimeout     time.Duration
	IdempotencyWindow time.Duration
	SweepInterval     time.Duration
	Debounce          time.Duration
	Catalog           *catalog.Catalog
	Now               func() time.Time
	Logger            logr.Logger
	Metrics           *metrics.Metrics

	OnConnectivityWarning func(error)
	OnMessage             func(collect.Message)
	OnFieldUpdates        func([]session.FieldUpdate)
	// OnRecalculated reports the outcome of each debounced recalculation.
	OnRecalculated func(session.Result, error)
	// OnRemoteUpdate fires when background verification brought in a
	// newer authoritative copy of the open session.
	OnRemoteUpdate func(session.Session)
}

type Orchestrator struct {
	opts    Options
	remote  Remote
	storage storage.Storage
	catalog *catalog.Catalog
	now     func() time.Time
	logger  logr.Logger
	metrics *metrics.Metrics

	sessions   *cache.Store[session.Session]
	existence  *cache.Existence
	keys       *idempotency.Registry
	controller *session.Controller
	detector   *session.Detector
	verifier   *reconcile.Verifier
	debouncer  *debounce.Debouncer

	ctx       context.Context
	cancel    context.CancelFunc
	sweepDone chan struct{}

	mu          sync.Mutex
	closed      bool
	assets      *asset.Set
	coordinator *stream.Coordinator
	detach      []func()
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("orchestrator: storage is required")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("orchestrator: remote is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = cache.DefaultSessionTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Minute
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = reconcile.DefaultTimeout
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.Users == nil {
		opts.Users = StaticUser("")
	}
	logger := opts.Logger.WithName("orchestrator")

	sessions, err := cache.NewStore[session.Session](opts.Storage, cache.Options{
		Prefix:  cache.SessionPrefix,
		TTL:     opts.SessionTTL,
		Name:    "session",
		Now:     opts.Now,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	existence, err := cache.NewExistence(opts.Storage, cache.Options{
		TTL:     opts.ExistenceTTL,
		Now:     opts.Now,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	keys := idempotency.NewRegistry(idempotency.Options{
		Window:  opts.IdempotencyWindow,
		Now:     opts.Now,
		Logger:  opts.Logger.WithName("idempotency"),
		Metrics: opts.Metrics,
	})
	controller, err := session.NewController(session.ControllerOptions{
		Writer:      opts.Remote,
		Keys:        keys,
		Cache:       sessions,
		Existence:   existence,
		IsTransient: remote.IsTransient,
		Now:         opts.Now,
		Logger:      opts.Logger.WithName("session"),
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:       opts,
		remote:     opts.Remote,
		storage:    opts.Storage,
		catalog:    opts.Catalog,
		now:        opts.Now,
		logger:     logger,
		metrics:    opts.Metrics,
		sessions:   sessions,
		existence:  existence,
		keys:       keys,
		controller: controller,
		detector:   session.NewDetector(controller, existence, sessions, opts.Logger.WithName("detector")),
		debouncer:  debounce.New(opts.Debounce),
		ctx:        ctx,
		cancel:     cancel,
		sweepDone:  make(chan struct{}),
	}
	o.verifier, err = reconcile.NewVerifier(reconcile.Options{
		Fetcher:   opts.Remote,
		Cache:     sessions,
		Existence: existence,
		FreshFor:  opts.FreshFor,
		Timeout:   opts.VerifyTimeout,
		OnNewer:   o.applyRemote,
		Validate:  session.Validate,
		Now:       opts.Now,
		Logger:    opts.Logger.WithName("verifier"),
		Metrics:   opts.Metrics,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		defer close(o.sweepDone)
		keys.Run(ctx, opts.SweepInterval)
	}()
	return o, nil
}

func (o *Orchestrator) Controller() *session.Controller         { return o.controller }
func (o *Orchestrator) Sessions() *cache.Store[session.Session] { return o.sessions }
func (o *Orchestrator) Existence() *cache.Existence             { return o.existence }
func (o *Orchestrator) Keys() *idempotency.Registry             { return o.keys }
func (o *Orchestrator) Verifier() *reconcile.Verifier           { return o.verifier }

// Assets returns the asset group of the open session, or nil.
func (o *Orchestrator) Assets() *asset.Set {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.assets
}

// StreamState reports the state of the engine stream for the open session.
func (o *Orchestrator) StreamState() stream.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.coordinator == nil {
		return stream.StateDisconnected
	}
	return o.coordinator.State()
}

func (o *Orchestrator) checkOpen() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	return nil
}

// Open makes id the current session. A brand-new id is created locally
// without a round trip. A known id is served from the local cache when
// possible and verified against the authority in the background, otherwise
// fetched.
func (o *Orchestrator) Open(ctx context.Context, id string, flow session.FlowKind) (session.Session, error) {
	if err := o.checkOpen(); err != nil {
		return session.Session{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return session.Session{}, session.ErrInvalidInput
	}
	if flow != "" && !flow.Valid() {
		return session.Session{}, fmt.Errorf("%w: unknown flow kind %q", session.ErrInvalidInput, flow)
	}
	log := o.logger.WithValues("recordId", id)

	if o.controller.State() == session.StateReady && o.controller.Holds(id) {
		current, _ := o.controller.Current()
		return current, nil
	}
	// Switching records must not drop unsaved edits.
	if held, ok := o.controller.Current(); ok && held.RecordID != id && o.controller.Dirty() {
		o.debouncer.Cancel()
		if err := o.controller.Save(ctx); err != nil {
			return session.Session{}, fmt.Errorf("save %s before opening %s: %w", held.RecordID, id, err)
		}
	}
	o.closeStream()
	o.debouncer.Cancel()

	if o.detector.IsNew(ctx, id) {
		if flow == "" {
			flow = session.FlowManual
		}
		created, err := o.controller.CreateOptimistic(id, flow)
		if err != nil {
			return session.Session{}, err
		}
		if err := o.detector.MarkChecked(id); err != nil {
			log.Error(err, "recording existence check")
		}
		log.Info("created session optimistically", "flow", flow)
		return created, o.resetAssets(created)
	}

	if err := o.controller.BeginLoad(id); err != nil {
		return session.Session{}, err
	}
	if cached, ok := o.sessions.Get(id); ok {
		if err := o.controller.Adopt(cached); err != nil {
			o.controller.FailLoad(id)
			return session.Session{}, err
		}
		o.verifier.VerifyInBackground(id, cached)
		log.V(1).Info("opened session from cache", "updatedAt", cached.UpdatedAt)
		current, _ := o.controller.Current()
		return current, o.resetAssets(current)
	}

	fetched, err := o.remote.FetchSession(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		if flow == "" {
			flow = session.FlowManual
		}
		created, err := o.controller.CreateOptimistic(id, flow)
		if err != nil {
			return session.Session{}, err
		}
		if err := o.existence.MarkNotExists(id); err != nil {
			log.Error(err, "recording missing session")
		}
		log.Info("session unknown to the engine, created locally", "flow", flow)
		return created, o.resetAssets(created)
	}
	if err != nil {
		o.controller.FailLoad(id)
		return session.Session{}, fmt.Errorf("open session %s: %w", id, err)
	}
	if err := o.controller.Adopt(fetched); err != nil {
		o.controller.FailLoad(id)
		return session.Session{}, err
	}
	current, _ := o.controller.Current()
	if err := o.sessions.Set(id, current); err != nil {
		log.Error(err, "caching fetched session")
	}
	if err := o.existence.MarkExists(id); err != nil {
		log.Error(err, "recording session existence")
	}
	return current, o.resetAssets(current)
}

func (o *Orchestrator) resetAssets(s session.Session) error {
	set, err := asset.NewSet(s.FlowKind, o.now)
	if err != nil {
		return err
	}
	if err := set.Seed(s); err != nil {
		return err
	}
	o.mu.Lock()
	o.assets = set
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) applyRemote(authoritative session.Session) {
	if !o.controller.Holds(authoritative.RecordID) {
		return
	}
	changed, err := o.controller.ApplyRemote(authoritative)
	if err != nil {
		o.logger.Error(err, "applying newer remote session", "recordId", authoritative.RecordID)
		return
	}
	if !changed {
		return
	}
	current, _ := o.controller.Current()
	if set := o.Assets(); set != nil {
		if err := set.Seed(current); err != nil {
			o.logger.Error(err, "refreshing assets from remote session", "recordId", authoritative.RecordID)
		}
	}
	if o.opts.OnRemoteUpdate != nil {
		o.opts.OnRemoteUpdate(current)
	}
}

// Connect opens the engine stream for the current session. Conversational
// sessions ask the engine to start the conversation once it reports ready.
func (o *Orchestrator) Connect(ctx context.Context) error {
	if err := o.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	current, ok := o.controller.Current()
	if !ok {
		return ErrNoSession
	}
	if strings.TrimSpace(o.opts.StreamURL) == "" {
		return fmt.Errorf("orchestrator: stream url is not configured")
	}
	o.closeStream()

	streamOpts := o.opts.Stream
	streamOpts.URL = o.opts.StreamURL
	streamOpts.Logger = o.opts.Logger.WithName("stream").WithValues("recordId", current.RecordID)
	streamOpts.Metrics = o.metrics
	streamOpts.OnConnectivityWarning = func(err error) {
		o.logger.Error(err, "engine stream unavailable, continuing offline", "recordId", current.RecordID)
		if o.opts.OnConnectivityWarning != nil {
			o.opts.OnConnectivityWarning(err)
		}
	}
	coordinator, err := stream.NewCoordinator(streamOpts)
	if err != nil {
		return err
	}
	engine, err := collect.NewEngine(collect.Options{
		Sink:           o.controller,
		Catalog:        o.catalog,
		Assets:         o.Assets(),
		OnMessage:      o.opts.OnMessage,
		OnFieldUpdates: o.opts.OnFieldUpdates,
		Logger:         o.opts.Logger,
		Metrics:        o.metrics,
	})
	if err != nil {
		return err
	}

	detach := []func(){engine.Attach(coordinator)}
	if current.FlowKind == session.FlowConversational {
		detach = append(detach, coordinator.On(stream.EventReady, func(stream.Event) {
			err := coordinator.Send(stream.Outbound{
				Type:      stream.EventStart,
				SessionID: current.RecordID,
				UserID:    o.opts.Users.UserID(),
			})
			if err != nil {
				o.logger.Error(err, "starting conversation", "recordId", current.RecordID)
			}
		}))
	}
	detach = append(detach, coordinator.On(stream.EventError, func(ev stream.Event) {
		o.logger.Info("engine reported an error", "recordId", current.RecordID, "data", string(ev.Data))
	}))

	o.mu.Lock()
	o.coordinator = coordinator
	o.detach = detach
	o.mu.Unlock()
	return coordinator.Start(o.ctx)
}

// SendMessage forwards a user message to the engine and records it in the
// transcript.
func (o *Orchestrator) SendMessage(content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return session.ErrInvalidInput
	}
	current, ok := o.controller.Current()
	if !ok {
		return ErrNoSession
	}
	o.mu.Lock()
	coordinator := o.coordinator
	set := o.assets
	o.mu.Unlock()
	if coordinator == nil {
		return ErrNotStreamed
	}
	if set != nil {
		if err := set.AppendTranscript(asset.RoleUser, content); err != nil {
			o.logger.Error(err, "recording user message")
		}
	}
	return coordinator.Send(stream.Outbound{
		Type:      stream.EventMessage,
		Content:   content,
		SessionID: current.RecordID,
		UserID:    o.opts.Users.UserID(),
	})
}

// Edit sets one field from user input and schedules a debounced
// recalculation.
func (o *Orchestrator) Edit(fieldID string, value any) error {
	id := collect.NormalizeFieldID(fieldID)
	field, ok := o.catalog.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", collect.ErrUnknownField, fieldID)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", collect.ErrBadValue, err)
	}
	coerced, err := collect.Coerce(field, raw)
	if err != nil {
		return err
	}
	if err := o.controller.SetField(field.ID, coerced); err != nil {
		return err
	}
	current, _ := o.controller.Current()
	o.debouncer.Trigger(func() { o.recalculate(current.RecordID) })
	return nil
}

// Recalculate runs a pending debounced recalculation immediately.
func (o *Orchestrator) Recalculate() bool {
	return o.debouncer.Flush()
}

func (o *Orchestrator) recalculate(recordID string) {
	current, ok := o.controller.Current()
	if !ok || current.RecordID != recordID {
		return
	}
	if _, ok := current.Fields["revenue"]; !ok {
		return
	}
	set := o.Assets()
	if set != nil {
		if err := set.Result.Begin(set.Mode()); err != nil && !errors.Is(err, asset.ErrInvalidTransition) {
			o.logger.Error(err, "starting result transfer")
		}
	}

	ctx, cancel := context.WithTimeout(o.ctx, o.opts.VerifyTimeout)
	defer cancel()
	result, err := o.remote.Calculate(ctx, recordID, current.Fields)
	if err == nil && o.controller.Holds(recordID) {
		err = o.controller.SetResult(result)
	}
	if set != nil {
		if err != nil {
			_ = set.Result.Fail(err)
		} else if deliverErr := set.Result.Deliver(set.Mode(), result); deliverErr != nil {
			o.logger.Error(deliverErr, "delivering result")
		}
	}
	if err != nil {
		o.logger.Info("recalculation failed", "recordId", recordID, "error", err.Error())
	}
	if o.opts.OnRecalculated != nil {
		o.opts.OnRecalculated(result, err)
	}
}

// Save persists the current session if it has unsaved changes.
func (o *Orchestrator) Save(ctx context.Context) error {
	if err := o.checkOpen(); err != nil {
		return err
	}
	if _, ok := o.controller.Current(); !ok {
		return ErrNoSession
	}
	return o.controller.Save(ctx)
}

// Exit saves and releases the current session. On a failed save the
// session stays open so the caller can retry.
func (o *Orchestrator) Exit(ctx context.Context) error {
	if _, ok := o.controller.Current(); !ok {
		o.closeStream()
		return nil
	}
	o.debouncer.Cancel()
	if err := o.controller.Save(ctx); err != nil {
		return err
	}
	o.closeStream()
	o.controller.Clear()
	o.mu.Lock()
	o.assets = nil
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) closeStream() {
	o.mu.Lock()
	coordinator := o.coordinator
	detach := o.detach
	o.coordinator = nil
	o.detach = nil
	o.mu.Unlock()
	for _, fn := range detach {
		fn()
	}
	if coordinator != nil {
		_ = coordinator.Close()
	}
}

// Close stops background work and releases storage. It does not save.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	coordinator := o.coordinator
	o.coordinator = nil
	o.mu.Unlock()

	var result *multierror.Error
	o.debouncer.Stop()
	if coordinator != nil {
		if err := coordinator.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close stream: %w", err))
		}
	}
	o.verifier.Close()
	o.cancel()
	<-o.sweepDone
	if err := o.storage.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close storage: %w", err))
	}
	return result.ErrorOrNil()
}
