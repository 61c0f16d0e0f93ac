package session

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/cache"
)

// Detector decides whether a record id names a brand-new session that can be
// created optimistically without asking the authority.
type Detector struct {
	controller *Controller
	existence  *cache.Existence
	sessions   *cache.Store[Session]
	logger     logr.Logger
}

func NewDetector(controller *Controller, existence *cache.Existence, sessions *cache.Store[Session], logger logr.Logger) *Detector {
	return &Detector{
		controller: controller,
		existence:  existence,
		sessions:   sessions,
		logger:     logger,
	}
}

// IsNew answers true only when the controller, the existence cache and the
// session cache all have no knowledge of id. Any failure answers false: a
// wrong "not new" costs one fetch, a wrong "new" could shadow real data.
func (d *Detector) IsNew(ctx context.Context, id string) (isNew bool) {
	log := d.logger.WithValues("recordId", id)
	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Errorf("panic: %v", r), "new-record detection failed")
			isNew = false
		}
	}()
	if ctx.Err() != nil || id == "" {
		return false
	}
	if d.controller != nil && d.controller.Holds(id) {
		return false
	}
	if d.existence != nil {
		status, err := d.existence.Lookup(id)
		if err != nil {
			log.Error(err, "existence lookup failed")
			return false
		}
		if status != cache.StatusUnknown {
			return false
		}
	}
	if d.sessions != nil {
		_, ok, err := d.sessions.Lookup(id)
		if err != nil {
			log.Error(err, "session cache lookup failed")
			return false
		}
		if ok {
			return false
		}
	}
	return true
}

// MarkChecked records that id has been resolved so later IsNew calls do not
// trigger another optimistic creation.
func (d *Detector) MarkChecked(id string) error {
	if d.existence == nil {
		return nil
	}
	return d.existence.MarkNotExists(id)
}
