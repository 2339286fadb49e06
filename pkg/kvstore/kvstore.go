// Package kvstore provides the small persistent key/value store backing the
// non-volatile upgrade record.
package kvstore

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("key not found")

// Store is a blob store keyed by string. Set replaces the whole value.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Close() error
}

// Supported driver names.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Open returns the store for driver. path is a directory for the file driver
// and a database file for sqlite and bolt; it is ignored by the memory driver.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverFile:
		return NewFileStore(path)
	case DriverSQLite:
		return NewSQLiteStore(path)
	case DriverBolt:
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown state store driver %q", driver)
	}
}
