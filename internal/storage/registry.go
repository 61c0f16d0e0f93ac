package storage

import (
	"strings"
	"sync"

	"github.com/go-logr/logr"
)

// Factory builds a Storage for a DSN whose scheme it was registered under.
type Factory func(dsn string, logger logr.Logger) (Storage, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory makes a custom scheme available to BuildFromDSN. Built-in
// schemes cannot be overridden.
func RegisterFactory(scheme string, factory Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	factory, ok := factories[scheme]
	return factory, ok
}
