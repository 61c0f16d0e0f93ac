// Package idempotency mints and tracks the keys that make retried writes
// safe to replay against the authority.
package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/metrics"
)

const DefaultWindow = 24 * time.Hour

type pair struct {
	recordID  string
	operation string
}

type issued struct {
	key    string
	millis int64
}

type Options struct {
	// Window bounds how long a key may be reused; DefaultWindow when zero.
	Window  time.Duration
	Now     func() time.Time
	Logger  logr.Logger
	Metrics *metrics.Metrics
}

// Registry holds at most one outstanding key per (record, operation) pair.
// A key is reused until it is cleared or its window lapses.
type Registry struct {
	window  time.Duration
	now     func() time.Time
	logger  logr.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	keys   map[pair]issued
	minted map[pair]int64
}

func NewRegistry(opts Options) *Registry {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		window:  opts.Window,
		now:     opts.Now,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		keys:    map[pair]issued{},
		minted:  map[pair]int64{},
	}
}

// FormatKey renders "{recordId}-{operation}-{unixMillis}".
func FormatKey(recordID, operation string, millis int64) string {
	return recordID + "-" + operation + "-" + strconv.FormatInt(millis, 10)
}

// Timestamp extracts the minting time from the last '-' separated segment.
// Record ids may contain '-', so the leading segments are not parsed.
func Timestamp(key string) (time.Time, bool) {
	idx := strings.LastIndexByte(key, '-')
	if idx < 0 || idx == len(key)-1 {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil || millis < 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

// IsExpired reports whether key is at least window old at now. Keys whose
// timestamp cannot be parsed are treated as expired.
func IsExpired(key string, window time.Duration, now time.Time) bool {
	if window <= 0 {
		window = DefaultWindow
	}
	minted, ok := Timestamp(key)
	if !ok {
		return true
	}
	return !now.Before(minted.Add(window))
}

// GetOrCreate returns the outstanding key for the pair, minting a new one
// when none exists or the previous one has expired.
func (r *Registry) GetOrCreate(recordID, operation string) (string, error) {
	if strings.TrimSpace(recordID) == "" || strings.TrimSpace(operation) == "" {
		return "", fmt.Errorf("idempotency: record id and operation are required")
	}
	p := pair{recordID: recordID, operation: operation}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.keys[p]; ok {
		if !IsExpired(current.key, r.window, now) {
			return current.key, nil
		}
		r.logger.V(1).Info("idempotency key expired, minting a new one", "key", current.key)
	}

	millis := now.UnixMilli()
	if last, ok := r.minted[p]; ok && millis <= last {
		millis = last + 1
	}
	key := FormatKey(recordID, operation, millis)
	r.keys[p] = issued{key: key, millis: millis}
	r.minted[p] = millis
	r.metrics.SetIdempotencyKeys(len(r.keys))
	return key, nil
}

// Peek returns the outstanding key without minting one.
func (r *Registry) Peek(recordID, operation string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.keys[pair{recordID: recordID, operation: operation}]
	return current.key, ok
}

// Clear drops the outstanding key after a definitive outcome.
func (r *Registry) Clear(recordID, operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, pair{recordID: recordID, operation: operation})
	r.metrics.SetIdempotencyKeys(len(r.keys))
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// Sweep drops expired keys and returns how many were removed.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for p, current := range r.keys {
		if IsExpired(current.key, r.window, now) {
			delete(r.keys, p)
			removed++
		}
	}
	cutoff := now.Add(-r.window).UnixMilli()
	for p, millis := range r.minted {
		if _, live := r.keys[p]; !live && millis < cutoff {
			delete(r.minted, p)
		}
	}
	r.metrics.SetIdempotencyKeys(len(r.keys))
	return removed
}

// Run sweeps on every interval tick until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.Sweep(); removed > 0 {
				r.logger.V(1).Info("swept expired idempotency keys", "removed", removed)
			}
		}
	}
}
