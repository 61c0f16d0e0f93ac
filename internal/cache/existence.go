package cache

import (
	"time"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/storage"
)

const (
	ExistencePrefix     = "valuation_exists:"
	DefaultExistenceTTL = 30 * time.Minute
)

// Status is the outcome of an existence check.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusExists    Status = "exists"
	StatusNotExists Status = "not_exists"
)

// Existence remembers whether a record is known to exist at the authority
// without holding its contents.
type Existence struct {
	store *Store[bool]
}

// NewExistence fills in the existence prefix and a 30 minute TTL when opts
// leaves them empty.
func NewExistence(backend storage.Storage, opts Options) (*Existence, error) {
	if opts.Prefix == "" {
		opts.Prefix = ExistencePrefix
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultExistenceTTL
	}
	if opts.Name == "" {
		opts.Name = "existence"
	}
	store, err := NewStore[bool](backend, opts)
	if err != nil {
		return nil, err
	}
	return &Existence{store: store}, nil
}

func (e *Existence) MarkExists(id string) error {
	return e.store.Set(id, true)
}

func (e *Existence) MarkNotExists(id string) error {
	return e.store.Set(id, false)
}

// Check reports StatusUnknown when nothing live is cached or the substrate
// cannot be read.
func (e *Existence) Check(id string) Status {
	status, err := e.Lookup(id)
	if err != nil {
		e.store.logger.Error(err, "existence check failed", "recordId", id)
		return StatusUnknown
	}
	return status
}

func (e *Existence) Lookup(id string) (Status, error) {
	exists, ok, err := e.store.Lookup(id)
	if err != nil {
		return StatusUnknown, err
	}
	switch {
	case !ok:
		return StatusUnknown, nil
	case exists:
		return StatusExists, nil
	default:
		return StatusNotExists, nil
	}
}

func (e *Existence) Forget(id string) error {
	return e.store.Remove(id)
}

func (e *Existence) ClearAll() (int, error) {
	return e.store.ClearAll()
}

func (e *Existence) List() ([]Info, error) {
	return e.store.List()
}
