// Package asset tracks the loading lifecycle of the artifacts a valuation
// session produces: the conversation transcript, the rendered report, the
// breakdown and the calculated result.
package asset

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusLoaded  Status = "loaded"
	StatusError   Status = "error"
)

// Mode is the direction of the in-flight transfer.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeSend    Mode = "send"
	ModeReceive Mode = "receive"
)

var (
	ErrInvalidTransition = errors.New("asset: invalid state transition")
	ErrProgressRange     = errors.New("asset: progress must be within 0..100")
)

type Snapshot[T any] struct {
	Status       Status
	Mode         Mode
	Progress     int
	Data         T
	HasData      bool
	Err          string
	LastSyncedAt time.Time
}

// State is a small state machine for one asset. Transitions:
//
//	idle|loaded|error -> loading   (Begin)
//	loading           -> loaded    (Complete)
//	loading           -> error     (Fail)
//	any               -> idle      (Reset)
type State[T any] struct {
	name string
	now  func() time.Time

	mu       sync.Mutex
	snap     Snapshot[T]
	watchers map[int]func(Snapshot[T])
	nextID   int
}

func New[T any](name string, now func() time.Time) *State[T] {
	if now == nil {
		now = time.Now
	}
	return &State[T]{
		name:     name,
		now:      now,
		snap:     Snapshot[T]{Status: StatusIdle, Mode: ModeIdle},
		watchers: map[int]func(Snapshot[T]){},
	}
}

func (s *State[T]) Name() string { return s.name }

func (s *State[T]) Snapshot() Snapshot[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Begin starts a transfer. Data from a previous load is kept so readers can
// keep showing it until the new load completes.
func (s *State[T]) Begin(mode Mode) error {
	if mode != ModeSend && mode != ModeReceive {
		return fmt.Errorf("%w: %s cannot begin in mode %q", ErrInvalidTransition, s.name, mode)
	}
	return s.transition(func(snap *Snapshot[T]) error {
		if snap.Status == StatusLoading {
			return fmt.Errorf("%w: %s is already loading", ErrInvalidTransition, s.name)
		}
		snap.Status = StatusLoading
		snap.Mode = mode
		snap.Progress = 0
		snap.Err = ""
		return nil
	})
}

func (s *State[T]) SetProgress(progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: %d", ErrProgressRange, progress)
	}
	return s.transition(func(snap *Snapshot[T]) error {
		if snap.Status != StatusLoading {
			return fmt.Errorf("%w: %s progress outside loading", ErrInvalidTransition, s.name)
		}
		snap.Progress = progress
		return nil
	})
}

// Update replaces the data while a transfer is still running, for assets
// that arrive incrementally.
func (s *State[T]) Update(data T) error {
	return s.transition(func(snap *Snapshot[T]) error {
		if snap.Status != StatusLoading {
			return fmt.Errorf("%w: %s update outside loading", ErrInvalidTransition, s.name)
		}
		snap.Data = data
		snap.HasData = true
		return nil
	})
}

func (s *State[T]) Complete(data T) error {
	return s.transition(func(snap *Snapshot[T]) error {
		if snap.Status != StatusLoading {
			return fmt.Errorf("%w: %s completed while %s", ErrInvalidTransition, s.name, snap.Status)
		}
		s.complete(snap, data)
		return nil
	})
}

// Deliver completes the asset with data, beginning a transfer in mode
// first when none is running. Concurrent deliveries never see each other's
// half-finished transfer; the last one wins.
func (s *State[T]) Deliver(mode Mode, data T) error {
	if mode != ModeSend && mode != ModeReceive {
		return fmt.Errorf("%w: %s cannot begin in mode %q", ErrInvalidTransition, s.name, mode)
	}
	return s.transition(func(snap *Snapshot[T]) error {
		s.complete(snap, data)
		return nil
	})
}

func (s *State[T]) complete(snap *Snapshot[T], data T) {
	snap.Status = StatusLoaded
	snap.Mode = ModeIdle
	snap.Progress = 100
	snap.Data = data
	snap.HasData = true
	snap.Err = ""
	snap.LastSyncedAt = s.now()
}

func (s *State[T]) Fail(cause error) error {
	return s.transition(func(snap *Snapshot[T]) error {
		if snap.Status != StatusLoading {
			return fmt.Errorf("%w: %s failed while %s", ErrInvalidTransition, s.name, snap.Status)
		}
		snap.Status = StatusError
		snap.Mode = ModeIdle
		if cause != nil {
			snap.Err = cause.Error()
		} else {
			snap.Err = "unknown error"
		}
		return nil
	})
}

func (s *State[T]) Reset() {
	_ = s.transition(func(snap *Snapshot[T]) error {
		*snap = Snapshot[T]{Status: StatusIdle, Mode: ModeIdle}
		return nil
	})
}

// Watch calls fn after every successful transition. The returned func
// stops the notifications.
func (s *State[T]) Watch(fn func(Snapshot[T])) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *State[T]) transition(apply func(*Snapshot[T]) error) error {
	s.mu.Lock()
	next := s.snap
	if err := apply(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.snap = next
	watchers := make([]func(Snapshot[T]), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(next)
	}
	return nil
}
