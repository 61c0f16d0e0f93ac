// Package reconcile refreshes cached sessions against the authority without
// blocking the caller that served them.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/cache"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/metrics"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/session"
)

const (
	DefaultFreshFor = 5 * time.Minute
	DefaultTimeout  = 10 * time.Second
)

type Fetcher interface {
	FetchSession(ctx context.Context, recordID string) (session.Session, error)
}

type Options struct {
	Fetcher   Fetcher
	Cache     *cache.Store[session.Session]
	Existence *cache.Existence
	// FreshFor skips verification of entries updated more recently than
	// this.
	FreshFor time.Duration
	Timeout  time.Duration
	// OnNewer receives every strictly newer authoritative copy after it
	// has been written to the cache.
	OnNewer  func(session.Session)
	Validate func(session.Session) error
	Now      func() time.Time
	Logger   logr.Logger
	Metrics  *metrics.Metrics
}

type Verifier struct {
	fetcher   Fetcher
	cache     *cache.Store[session.Session]
	existence *cache.Existence
	freshFor  time.Duration
	timeout   time.Duration
	onNewer   func(session.Session)
	validate  func(session.Session) error
	now       func() time.Time
	logger    logr.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewVerifier(opts Options) (*Verifier, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("verifier: fetcher is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("verifier: session cache is required")
	}
	if opts.FreshFor <= 0 {
		opts.FreshFor = DefaultFreshFor
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Validate == nil {
		opts.Validate = session.Validate
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Verifier{
		fetcher:   opts.Fetcher,
		cache:     opts.Cache,
		existence: opts.Existence,
		freshFor:  opts.FreshFor,
		timeout:   opts.Timeout,
		onNewer:   opts.OnNewer,
		validate:  opts.Validate,
		now:       opts.Now,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		inFlight:  map[string]struct{}{},
	}, nil
}

// VerifyInBackground schedules a verification of the cached copy and
// returns immediately. It reports whether a verification was started.
func (v *Verifier) VerifyInBackground(recordID string, cached session.Session) bool {
	if strings.TrimSpace(recordID) == "" || v.ctx.Err() != nil {
		return false
	}
	if age := v.now().Sub(cached.UpdatedAt); age < v.freshFor {
		v.metrics.Verification("skipped_fresh")
		return false
	}

	v.mu.Lock()
	if _, busy := v.inFlight[recordID]; busy {
		v.mu.Unlock()
		v.metrics.Verification("skipped_in_flight")
		return false
	}
	v.inFlight[recordID] = struct{}{}
	v.wg.Add(1)
	v.mu.Unlock()

	go v.run(recordID, cached)
	return true
}

func (v *Verifier) InFlight(recordID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, busy := v.inFlight[recordID]
	return busy
}

// Wait blocks until every started verification has finished.
func (v *Verifier) Wait() {
	v.wg.Wait()
}

// Close cancels running verifications and waits for them to exit.
func (v *Verifier) Close() {
	v.cancel()
	v.wg.Wait()
}

func (v *Verifier) run(recordID string, cached session.Session) {
	log := v.logger.WithValues("recordId", recordID)
	defer v.wg.Done()
	defer func() {
		v.mu.Lock()
		delete(v.inFlight, recordID)
		v.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			v.metrics.Verification("failed")
			log.Error(fmt.Errorf("panic: %v", r), "background verification crashed")
		}
	}()

	outcome, err := v.verify(recordID, cached)
	v.metrics.Verification(outcome)
	if err != nil {
		log.Info("background verification failed, keeping cached copy", "error", err.Error())
		return
	}
	log.V(1).Info("background verification finished", "outcome", outcome)
}

func (v *Verifier) verify(recordID string, cached session.Session) (string, error) {
	ctx, cancel := context.WithTimeout(v.ctx, v.timeout)
	defer cancel()

	remote, err := v.fetcher.FetchSession(ctx, recordID)
	if err != nil {
		return "failed", fmt.Errorf("fetch: %w", err)
	}
	if err := v.validate(remote); err != nil {
		return "failed", fmt.Errorf("validate: %w", err)
	}
	if remote.RecordID != recordID {
		return "failed", fmt.Errorf("%w: fetched %s", session.ErrWrongRecord, remote.RecordID)
	}
	if v.existence != nil {
		if err := v.existence.MarkExists(recordID); err != nil {
			v.logger.Error(err, "mark existence failed", "recordId", recordID)
		}
	}

	baseline := cached.UpdatedAt
	if current, ok := v.cache.Get(recordID); ok && current.UpdatedAt.After(baseline) {
		baseline = current.UpdatedAt
	}
	if !remote.UpdatedAt.After(baseline) {
		return "unchanged", nil
	}
	if err := v.cache.Set(recordID, remote); err != nil {
		return "failed", fmt.Errorf("cache newer copy: %w", err)
	}
	if v.onNewer != nil {
		v.onNewer(remote)
	}
	return "updated", nil
}
