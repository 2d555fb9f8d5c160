// Package store persists Fireside's durable state in a Pebble database: the
// identity registry and the bounded per-channel histories. All mutating calls
// flush synchronously (pebble.Sync) so an acknowledged write survives a crash.
package store

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/fireside-chat/fireside/internal/logger"
)

var db *pebble.DB

// Open opens (or creates) a Pebble database at the given path and keeps a
// package-level handle for the identity and history stores.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "err", err)
		return err
	}
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened Pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

func set(key string, value []byte) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	return db.Set([]byte(key), value, pebble.Sync)
}

func del(key string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	return db.Delete([]byte(key), pebble.Sync)
}
