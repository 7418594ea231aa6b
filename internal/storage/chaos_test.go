package storage_test

import (
	"path/filepath"
	"testing"

	"github.com/ironbase/ironbase/internal/bsonval"
	"github.com/ironbase/ironbase/internal/storage"
	ironfs "github.com/ironbase/ironbase/pkg/fs"
)

// TestWriteDocumentFull_InjectedWriteFailureLeavesCatalogUntouched
// simulates the disk failing partway through an append (ENOSPC, a
// failing disk, a container hitting its quota) rather than the whole
// process crashing. WriteDocumentFull must not record the document in
// the catalog unless the append itself succeeded.
func TestWriteDocumentFull_InjectedWriteFailureLeavesCatalogUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	real := ironfs.NewReal()

	// Create the file and its header cleanly first: the header write
	// that happens inside Open for a brand-new file isn't what this
	// test is about.
	eng, err := storage.Open(real, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	chaos := ironfs.NewChaos(real, 1, &ironfs.ChaosConfig{WriteFailRate: 1})

	eng2, err := storage.Open(chaos, path)
	if err != nil {
		t.Fatalf("reopening under chaos: %v", err)
	}
	defer eng2.Close()

	id := bsonval.IntID(1)

	if _, err := eng2.WriteDocumentFull("users", id, map[string]any{"name": "alice"}); err == nil {
		t.Fatalf("expected injected write failure to propagate")
	}

	if _, ok := eng2.Catalog().Get("users").Lookup(id); ok {
		t.Fatalf("catalog must not record a document whose append failed")
	}

	// Disable the fault and confirm the same write now succeeds, the
	// way a transient disk failure clears up on retry.
	chaos.SetMode(ironfs.ChaosModeNoOp)

	off, err := eng2.WriteDocumentFull("users", id, map[string]any{"name": "alice"})
	if err != nil {
		t.Fatalf("WriteDocumentFull after fault cleared: %v", err)
	}

	doc, err := eng2.ReadDocumentAt(off)
	if err != nil {
		t.Fatalf("ReadDocumentAt: %v", err)
	}

	if doc.Body["name"] != "alice" {
		t.Fatalf("body mismatch: %v", doc.Body)
	}

	if _, ok := eng2.Catalog().Get("users").Lookup(id); !ok {
		t.Fatalf("expected catalog entry after successful write")
	}
}

// TestWriteDocumentFull_InjectedPartialWriteIsReportedAsAnError covers a
// torn write that writes some bytes before failing (a power loss or a
// killed process mid-syscall), distinct from a failure that writes
// nothing at all.
func TestWriteDocumentFull_InjectedPartialWriteIsReportedAsAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	real := ironfs.NewReal()

	eng, err := storage.Open(real, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	chaos := ironfs.NewChaos(real, 2, &ironfs.ChaosConfig{PartialWriteRate: 1})

	eng2, err := storage.Open(chaos, path)
	if err != nil {
		t.Fatalf("reopening under chaos: %v", err)
	}
	defer eng2.Close()

	id := bsonval.IntID(1)

	if _, err := eng2.WriteDocumentFull("users", id, map[string]any{"name": "alice"}); err == nil {
		t.Fatalf("expected injected partial write to surface as an error")
	}

	if _, ok := eng2.Catalog().Get("users").Lookup(id); ok {
		t.Fatalf("catalog must not record a document torn by a partial write")
	}
}
