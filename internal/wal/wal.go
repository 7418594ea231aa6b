// Package wal implements the append-only, framed write-ahead log: one
// entry per commit-relevant event, CRC32-checksummed, streamed rather
// than buffered in full so recovery scales with log size, not memory.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	ironfs "github.com/ironbase/ironbase/pkg/fs"
)

// EntryType identifies the role of a WAL entry within a transaction.
type EntryType uint8

const (
	// Begin marks the start of a transaction.
	Begin EntryType = 0x01
	// Operation records a single buffered write (insert/update/delete).
	Operation EntryType = 0x02
	// Commit marks a transaction as durable; only transactions with a
	// Commit entry are replayed on recovery.
	Commit EntryType = 0x03
	// Abort marks a transaction as discarded; present only as a hint,
	// never required for correct rollback.
	Abort EntryType = 0x04
	// IndexChange records a secondary-index mutation paired with an
	// Operation entry in the same transaction.
	IndexChange EntryType = 0x05
)

// HeaderSize is the fixed size of tx_id + entry_type + data_len,
// preceding the variable-length data and the trailing crc32.
const HeaderSize = 8 + 1 + 4 // tx_id(u64) + type(u8) + data_len(u32)

// MaxEntrySize caps data_len, defending recovery against a corrupted or
// malicious length field driving an oversized allocation.
const MaxEntrySize = 64 * 1024 * 1024 // 64 MiB

// crcTable is the standard IEEE polynomial table, as the binary format
// requires (bit-exact with any CRC-32/ISO-HDLC implementation).
var crcTable = crc32.IEEETable

// Entry is one framed WAL record.
type Entry struct {
	TxID uint64
	Type EntryType
	Data []byte
}

// ErrCorruption is returned by Iterate/decode when a frame fails CRC
// validation, carries an unknown type byte, or declares data_len above
// [MaxEntrySize].
type ErrCorruption struct {
	Reason string
}

func (e *ErrCorruption) Error() string { return "wal corruption: " + e.Reason }

// Encode serializes an entry to its bit-exact wire form: tx_id (u64 LE)
// ‖ type (u8) ‖ data_len (u32 LE) ‖ data ‖ crc32 (u32 LE, IEEE polynomial
// over everything preceding it).
func Encode(e Entry) []byte {
	buf := make([]byte, HeaderSize+len(e.Data)+4)

	binary.LittleEndian.PutUint64(buf[0:8], e.TxID)
	buf[8] = byte(e.Type)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(e.Data)))
	copy(buf[HeaderSize:], e.Data)

	sum := crc32.Checksum(buf[:HeaderSize+len(e.Data)], crcTable)
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], sum)

	return buf
}

// Log is an append-only write-ahead log file.
type Log struct {
	fsys ironfs.FS
	path string
	file ironfs.File
}

// Open opens (creating if necessary) the WAL file for append and
// streaming iteration.
func Open(fsys ironfs.FS, path string) (*Log, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening wal %s: %w", path, err)
	}

	return &Log{fsys: fsys, path: path, file: f}, nil
}

// Append writes one framed entry at the current end of file. The
// caller controls fsync batching via [Log.Flush].
func (l *Log) Append(e Entry) error {
	if len(e.Data) > MaxEntrySize {
		return &ErrCorruption{Reason: fmt.Sprintf("data_len %d exceeds max %d", len(e.Data), MaxEntrySize)}
	}

	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seeking wal to end: %w", err)
	}

	if _, err := l.file.Write(Encode(e)); err != nil {
		return fmt.Errorf("appending wal entry: %w", err)
	}

	return nil
}

// Flush fsyncs the WAL file.
func (l *Log) Flush() error {
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing wal: %w", err)
	}

	return nil
}

// Close closes the underlying file handle.
func (l *Log) Close() error {
	return l.file.Close()
}

// Clear truncates the WAL to zero length and fsyncs.
func (l *Log) Clear() error {
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating wal: %w", err)
	}

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking wal to start: %w", err)
	}

	return l.Flush()
}

// Iterate streams entries from the beginning of the log, calling fn for
// each. It stops (without error) at a clean EOF between frames, and
// returns an unwrapped *ErrCorruption at the first malformed frame - callers performing recovery treat this as "replay
// stops here, preserve everything replayed so far".
func (l *Log) Iterate(fn func(Entry) error) error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking wal to start: %w", err)
	}

	r := &countingReader{r: l.file}

	for {
		entry, err := decodeOne(r)
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}

		if err := fn(entry); err != nil {
			return err
		}
	}
}

// countingReader lets decodeOne distinguish "clean EOF before any bytes
// of a new frame" (end of log) from "EOF mid-frame" (truncated/corrupt
// tail), without the caller tracking position manually.
type countingReader struct {
	r io.Reader
}

func (c *countingReader) readN(buf []byte) (int, error) {
	total := 0

	for total < len(buf) {
		n, err := c.r.Read(buf[total:])
		total += n

		if err != nil {
			if err == io.EOF && total == 0 {
				return total, io.EOF
			}

			if err == io.EOF {
				return total, io.ErrUnexpectedEOF
			}

			return total, err
		}

		if n == 0 && err == nil {
			return total, io.ErrUnexpectedEOF
		}
	}

	return total, nil
}

func decodeOne(r *countingReader) (Entry, error) {
	header := make([]byte, HeaderSize)

	_, err := r.readN(header)
	if err == io.EOF {
		return Entry{}, io.EOF
	}

	if err != nil {
		return Entry{}, &ErrCorruption{Reason: "truncated header: " + err.Error()}
	}

	txID := binary.LittleEndian.Uint64(header[0:8])
	typ := EntryType(header[8])
	dataLen := binary.LittleEndian.Uint32(header[9:13])

	if !validType(typ) {
		return Entry{}, &ErrCorruption{Reason: fmt.Sprintf("unknown entry type byte 0x%02x", header[8])}
	}

	if dataLen > MaxEntrySize {
		return Entry{}, &ErrCorruption{Reason: fmt.Sprintf("data_len %d exceeds max %d", dataLen, MaxEntrySize)}
	}

	rest := make([]byte, int(dataLen)+4)

	if _, err := r.readN(rest); err != nil {
		return Entry{}, &ErrCorruption{Reason: "truncated body/crc: " + err.Error()}
	}

	data := rest[:dataLen]
	wantCRC := binary.LittleEndian.Uint32(rest[dataLen:])

	full := make([]byte, 0, HeaderSize+len(data))
	full = append(full, header...)
	full = append(full, data...)

	gotCRC := crc32.Checksum(full, crcTable)
	if gotCRC != wantCRC {
		return Entry{}, &ErrCorruption{Reason: fmt.Sprintf("crc mismatch: got 0x%08x want 0x%08x", gotCRC, wantCRC)}
	}

	return Entry{TxID: txID, Type: typ, Data: data}, nil
}

func validType(t EntryType) bool {
	switch t {
	case Begin, Operation, Commit, Abort, IndexChange:
		return true
	default:
		return false
	}
}

// TruncateAtGoodOffset truncates the WAL file at offset, discarding
// anything at or after a corrupted frame while preserving every
// well-formed entry that precedes it. Nothing in this module calls it:
// [txn.Recover] clears the whole log through its checkpoint instead.
func (l *Log) TruncateAtGoodOffset(offset int64) error {
	if err := l.file.Truncate(offset); err != nil {
		return fmt.Errorf("truncating wal at %d: %w", offset, err)
	}

	return l.Flush()
}
