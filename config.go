package ironbase

import (
	"github.com/rs/zerolog"

	"github.com/ironbase/ironbase/internal/txn"
)

// Durability selects how aggressively commits fsync the WAL. Explicit
// transactions commit through the same path as auto-commit operations
// and follow the same mode: they are not fsynced on every commit under
// Batch, and write no WAL records under Unsafe.
type Durability = txn.Durability

// SafeDurability fsyncs the WAL on every auto-commit operation. Default.
var SafeDurability = txn.SafeDurability

// BatchDurability fsyncs once per n auto-committed operations; a crash
// loses at most n operations.
var BatchDurability = txn.BatchDurability

// UnsafeManualDurability skips the WAL for auto-commit operations
// entirely; only an explicit Checkpoint call persists them.
var UnsafeManualDurability = txn.UnsafeManual

// UnsafeAutoDurability skips the WAL but checkpoints automatically
// every n operations, in addition to any explicit Checkpoint call.
var UnsafeAutoDurability = txn.UnsafeAuto

// QueryCacheCapacity is the default per-collection query cache size.
// Pass a different value to OpenOptions.QueryCacheCapacity to override.
const QueryCacheCapacity = 1000

// OpenOptions configures OpenWithOptions beyond the defaults (Safe
// durability, default query cache capacity, a no-op logger).
type OpenOptions struct {
	Durability         Durability
	QueryCacheCapacity int

	// Logger receives structured events (recovery, checkpoint,
	// compaction). The zero value is zerolog.Nop(), so logging is
	// opt-in.
	Logger zerolog.Logger
}

func defaultOpenOptions() OpenOptions {
	return OpenOptions{
		Durability:         SafeDurability(),
		QueryCacheCapacity: QueryCacheCapacity,
		Logger:             zerolog.Nop(),
	}
}
