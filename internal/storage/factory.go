package storage

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-logr/logr"
)

// BuildFromDSN opens the backend named by the DSN scheme:
//
//	memory://               process-local map
//	file:///path/cache.json JSON file, reloaded on external writes
//	sqlite:///path/cache.db embedded SQL database
//	postgres://...          shared Postgres table
//
// An empty DSN selects memory.
func BuildFromDSN(dsn string, logger logr.Logger) (Storage, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemory(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse storage dsn: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "memory", "mem", "inmemory":
		return NewMemory(), nil
	case "file":
		path, err := dsnPath(parsed)
		if err != nil {
			return nil, fmt.Errorf("%w: file dsn requires a path", err)
		}
		return NewFile(path, FileOptions{Watch: true, Logger: logger})
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed)
		if err != nil {
			return nil, fmt.Errorf("%w: sqlite dsn requires a path", err)
		}
		return NewSQLite(path)
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: mysql storage", ErrNotImplemented)
	default:
		if factory, ok := lookupFactory(scheme); ok {
			return factory(dsn, logger)
		}
		return nil, fmt.Errorf("unsupported storage dsn scheme %q", parsed.Scheme)
	}
}

func dsnPath(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if host := strings.TrimSpace(parsed.Host); host != "" {
		// file://relative/cache.json keeps its first segment in Host.
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
