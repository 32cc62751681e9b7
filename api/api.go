// Package api is the storage core's public library surface:
// Open/OpenSession/Begin/Cursor/Commit/Abort/Checkpoint. It is a thin
// facade over storage/txn: the wire-protocol server, command
// dispatcher, and document-operator evaluator are expected to depend
// on this package rather than reach into storage/txn's internal
// layering directly.
package api

import (
	"github.com/gabrielelanaro/wrongo/storage/config"
	"github.com/gabrielelanaro/wrongo/storage/txn"
)

// Connection is the top-level handle on one database directory.
type Connection = txn.Connection

// Session is a single-threaded handle bound to one Connection.
type Session = txn.Session

// Txn is one transaction on a Session.
type Txn = txn.Txn

// Cursor is a transaction's view onto one table.
type Cursor = txn.Cursor

// RangeIter walks a transaction-visible key range in ascending order.
type RangeIter = txn.RangeIter

// Config holds the recognized configuration options.
type Config = config.Config

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a YAML config file, falling back to defaults for
// anything it omits.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Open opens (creating if necessary) the database directory at path,
// running crash recovery before returning.
func Open(path string, cfg Config) (*Connection, error) {
	return txn.Open(path, cfg)
}
