// Package kv provides durable key-value backends with prefix scans.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Entry is a key with its stored value.
type Entry struct {
	Key   string
	Value []byte
}

// Backend is the persistence contract used by the state store, the
// governance actor, the audit log and the optimization store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	// List returns all entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	// DeleteAll removes every key.
	DeleteAll(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string `yaml:"backend" toml:"backend"` // "sqlite" or "badger"
	Path    string `yaml:"path" toml:"path"`
}

// Open opens the backend named in cfg.
func Open(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return OpenSQLite(cfg.Path)
	case "badger":
		bcfg := DefaultBadgerConfig()
		bcfg.Path = cfg.Path
		return OpenBadger(bcfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
