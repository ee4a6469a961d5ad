// ABOUTME: KV interface for the durable medium behind conversation storage
// ABOUTME: Backends are synchronous byte stores keyed by string with last-write-wins semantics

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNotFound is returned when a requested key does not exist
var ErrNotFound = errors.New("not found")

// KV is the durable medium: a byte store with get/set by string key.
// Set must be durable when it returns.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns every key starting with prefix, in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite  = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3 = "sqlite3" // mattn/go-sqlite3, requires cgo
	DriverBolt    = "bolt"
	DriverMemory  = "memory"
)

// Open returns the KV backend for the given driver.
func Open(driver, path string, logger *slog.Logger) (KV, error) {
	switch driver {
	case DriverSQLite, DriverSQLite3, "":
		if driver == "" {
			driver = DriverSQLite
		}
		return OpenSQLiteKV(driver, path, logger)
	case DriverBolt:
		return NewBoltKV(path, logger)
	case DriverMemory:
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
