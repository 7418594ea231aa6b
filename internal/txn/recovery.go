package txn

import (
	"github.com/ironbase/ironbase/internal/wal"
)

// txGroup accumulates the entries seen for one in-flight transaction
// id while scanning the WAL.
type txGroup struct {
	ops       []bufferedOp
	committed bool
	malformed bool
}

// Recover replays every committed transaction recorded in the WAL
// against storage and indexes, then checkpoints (flushing the catalog
// and clearing the WAL) so recovery is idempotent if interrupted and
// re-run. Transactions with no terminating Commit entry - including
// one truncated by a corrupted tail frame, which [wal.Log.Iterate]
// surfaces as an error - are discarded, exactly as an Abort would
// have been.
func Recover(mgr *Manager, walLog *wal.Log) error {
	groups := map[uint64]*txGroup{}

	var order []uint64

	iterErr := walLog.Iterate(func(e wal.Entry) error {
		g, ok := groups[e.TxID]
		if !ok {
			g = &txGroup{}
			groups[e.TxID] = g
			order = append(order, e.TxID)
		}

		switch e.Type {
		case wal.Begin:
			// no-op marker; group already created above
		case wal.Operation:
			op, err := decodeOp(e.Data)
			if err != nil {
				// A malformed operation body inside an otherwise
				// well-formed frame cannot be replayed; treat its
				// transaction as uncommitted rather than failing
				// recovery outright.
				g.malformed = true
				return nil
			}

			g.ops = append(g.ops, op)
		case wal.Commit:
			g.committed = true
		case wal.Abort:
			g.committed = false
			g.ops = nil
		case wal.IndexChange:
			// Index state is rebuilt from storage.WriteDocumentFull's
			// catalog side effects during replay below; IndexChange
			// frames exist for forward compatibility with a standalone
			// index log and carry no additional replay action here.
		}

		return nil
	})

	// iterErr, if non-nil, is an *wal.ErrCorruption from a truncated or
	// malformed trailing frame. Everything decoded before it is still
	// replayed; the damaged tail is simply dropped, matching crash
	// semantics (the writer never got to fsync past that point).
	_ = iterErr

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	for _, txID := range order {
		g := groups[txID]
		if !g.committed || g.malformed {
			continue
		}

		for _, op := range g.ops {
			if err := mgr.apply(op); err != nil {
				return err
			}
		}
	}

	return mgr.checkpointLocked()
}
