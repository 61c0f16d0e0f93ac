// Package cache implements TTL-bounded record caches on top of a shared
// storage substrate.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/metrics"
	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/storage"
)

const (
	SessionPrefix     = "valuation_session:"
	DefaultSessionTTL = 24 * time.Hour
)

var ErrInvalidID = errors.New("cache: record id is required")

// Entry is the persisted envelope around a cached value.
type Entry[T any] struct {
	Data      T         `json:"data"`
	CachedAt  time.Time `json:"cachedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Info describes a live entry without decoding its payload for callers.
type Info struct {
	ID        string
	CachedAt  time.Time
	ExpiresAt time.Time
}

type Options struct {
	Prefix string
	TTL    time.Duration
	// Name labels metrics and log lines; defaults to the prefix.
	Name    string
	Now     func() time.Time
	Logger  logr.Logger
	Metrics *metrics.Metrics
}

// Store caches values of one kind under a key prefix. Expired or unreadable
// entries are evicted when read, never served.
type Store[T any] struct {
	backend storage.Storage
	prefix  string
	ttl     time.Duration
	name    string
	now     func() time.Time
	logger  logr.Logger
	metrics *metrics.Metrics
}

func NewStore[T any](backend storage.Storage, opts Options) (*Store[T], error) {
	if backend == nil {
		return nil, fmt.Errorf("cache: storage backend is required")
	}
	if strings.TrimSpace(opts.Prefix) == "" {
		return nil, fmt.Errorf("cache: key prefix is required")
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("cache: ttl must be positive, got %s", opts.TTL)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Name == "" {
		opts.Name = strings.TrimSuffix(opts.Prefix, ":")
	}
	return &Store[T]{
		backend: backend,
		prefix:  opts.Prefix,
		ttl:     opts.TTL,
		name:    opts.Name,
		now:     opts.Now,
		logger:  opts.Logger.WithValues("cache", opts.Name),
		metrics: opts.Metrics,
	}, nil
}

func (s *Store[T]) TTL() time.Duration { return s.ttl }

func (s *Store[T]) key(id string) string { return s.prefix + id }

// Set writes value with expiresAt = now + ttl.
func (s *Store[T]) Set(id string, value T) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidID
	}
	now := s.now()
	raw, err := json.Marshal(Entry[T]{Data: value, CachedAt: now, ExpiresAt: now.Add(s.ttl)})
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", id, err)
	}
	if err := s.backend.Set(s.key(id), string(raw)); err != nil {
		return fmt.Errorf("write cache entry %s: %w", id, err)
	}
	return nil
}

// Get returns the cached value when a live entry exists. Substrate errors
// are logged and reported as a miss.
func (s *Store[T]) Get(id string) (T, bool) {
	value, ok, err := s.Lookup(id)
	if err != nil {
		s.logger.Error(err, "cache read failed, treating as miss", "recordId", id)
		var zero T
		return zero, false
	}
	return value, ok
}

// Lookup is Get with substrate errors surfaced, for callers that must not
// treat an unreadable cache as proof of absence.
func (s *Store[T]) Lookup(id string) (T, bool, error) {
	var zero T
	entry, ok, err := s.lookupEntry(id)
	if err != nil || !ok {
		return zero, false, err
	}
	return entry.Data, true, nil
}

func (s *Store[T]) lookupEntry(id string) (Entry[T], bool, error) {
	var entry Entry[T]
	if strings.TrimSpace(id) == "" {
		return entry, false, ErrInvalidID
	}
	key := s.key(id)
	raw, ok, err := s.backend.Get(key)
	if err != nil {
		s.metrics.CacheLookup(s.name, "error")
		return entry, false, fmt.Errorf("read cache entry %s: %w", id, err)
	}
	if !ok {
		s.metrics.CacheLookup(s.name, "miss")
		return entry, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || !entry.ExpiresAt.After(entry.CachedAt) {
		s.evict(key, "corrupt")
		s.metrics.CacheLookup(s.name, "miss")
		return Entry[T]{}, false, nil
	}
	if !s.now().Before(entry.ExpiresAt) {
		s.evict(key, "expired")
		s.metrics.CacheLookup(s.name, "miss")
		return Entry[T]{}, false, nil
	}
	s.metrics.CacheLookup(s.name, "hit")
	return entry, true, nil
}

func (s *Store[T]) evict(key, reason string) {
	s.metrics.CacheEviction(s.name, reason)
	if err := s.backend.Remove(key); err != nil {
		s.logger.Error(err, "cache eviction failed", "key", key, "reason", reason)
		return
	}
	s.logger.V(1).Info("cache entry evicted", "key", key, "reason", reason)
}

func (s *Store[T]) Remove(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidID
	}
	if err := s.backend.Remove(s.key(id)); err != nil {
		return fmt.Errorf("remove cache entry %s: %w", id, err)
	}
	return nil
}

// ClearAll removes every entry under this store's prefix. Other prefixes
// sharing the substrate are untouched.
func (s *Store[T]) ClearAll() (int, error) {
	keys, err := s.backend.Keys(s.prefix)
	if err != nil {
		return 0, fmt.Errorf("list cache keys: %w", err)
	}
	removed := 0
	for _, key := range keys {
		if err := s.backend.Remove(key); err != nil {
			return removed, fmt.Errorf("remove cache entry %s: %w", key, err)
		}
		removed++
	}
	return removed, nil
}

// List returns the live entries, evicting dead ones along the way.
func (s *Store[T]) List() ([]Info, error) {
	keys, err := s.backend.Keys(s.prefix)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	infos := make([]Info, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, s.prefix)
		entry, ok, err := s.lookupEntry(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		infos = append(infos, Info{ID: id, CachedAt: entry.CachedAt, ExpiresAt: entry.ExpiresAt})
	}
	return infos, nil
}
