package iox_test

import (
	"os"
	"testing"

	"github.com/ironbase/ironbase/internal/iox"
	ironfs "github.com/ironbase/ironbase/pkg/fs"
)

func openTemp(t *testing.T) (ironfs.File, ironfs.FS, string) {
	t.Helper()

	dir := t.TempDir()
	path := dir + "/data"

	fsys := ironfs.NewReal()

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	t.Cleanup(func() { _ = f.Close() })

	return f, fsys, path
}

func TestAppendAndReadRecordRoundTrip(t *testing.T) {
	f, _, _ := openTemp(t)

	off1, err := iox.AppendRecord(f, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}

	off2, err := iox.AppendRecord(f, []byte(`{"b":2}`))
	if err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}

	size, err := iox.FileSize(f)
	if err != nil {
		t.Fatalf("FileSize: %v", err)
	}

	got1, err := iox.ReadRecordAt(f, off1, size)
	if err != nil {
		t.Fatalf("ReadRecordAt(off1): %v", err)
	}

	if string(got1) != `{"a":1}` {
		t.Fatalf("got %q", got1)
	}

	got2, err := iox.ReadRecordAt(f, off2, size)
	if err != nil {
		t.Fatalf("ReadRecordAt(off2): %v", err)
	}

	if string(got2) != `{"b":2}` {
		t.Fatalf("got %q", got2)
	}
}

func TestReadRecordAtRejectsOutOfRange(t *testing.T) {
	f, _, _ := openTemp(t)

	off, err := iox.AppendRecord(f, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}

	size, _ := iox.FileSize(f)

	if _, err := iox.ReadRecordAt(f, off+1000, size); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

func TestAppendRecordRejectsEmpty(t *testing.T) {
	f, _, _ := openTemp(t)

	if _, err := iox.AppendRecord(f, nil); err != iox.ErrRecordEmpty {
		t.Fatalf("expected ErrRecordEmpty, got %v", err)
	}
}

func TestAppendRecordRejectsOversize(t *testing.T) {
	f, _, _ := openTemp(t)

	big := make([]byte, iox.MaxDocumentSize+1)

	if _, err := iox.AppendRecord(f, big); err == nil {
		t.Fatalf("expected oversize error")
	}
}
