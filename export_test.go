package ironbase

// Export internal state for testing.
// This file is only compiled during tests.

// ReleaseLockForTesting releases the database's exclusive file lock
// without flushing or checkpointing, simulating the file-descriptor
// cleanup the OS performs automatically when a process dies. Tests
// that abandon a DB to simulate a crash (rather than calling Close)
// use this so a second DB can still be opened over the same path
// within the same test process, the way a real crash leaves the lock
// free for the next process to acquire.
func (db *DB) ReleaseLockForTesting() error {
	return db.lock.Close()
}
