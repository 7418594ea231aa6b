// Package iox implements positional, length-prefixed record I/O against
// the main data file: every record is [u32 little-endian length][bytes],
// read and written at caller-specified byte offsets with strict bounds
// checking.
package iox

import (
	"encoding/binary"
	"fmt"

	ironfs "github.com/ironbase/ironbase/pkg/fs"
)

// MaxDocumentSize caps a single record's byte length. Lengths above this
// are rejected as corruption rather than trusted - a malicious or
// corrupted length field must never drive an allocation or read larger
// than this.
const MaxDocumentSize = 16 * 1024 * 1024 // 16 MiB

// LengthPrefixSize is the size of the u32 length prefix preceding every
// record.
const LengthPrefixSize = 4

// ErrRecordTooLarge indicates a length prefix exceeded [MaxDocumentSize].
type ErrRecordTooLarge struct {
	Length uint32
}

func (e *ErrRecordTooLarge) Error() string {
	return fmt.Sprintf("record length %d exceeds max %d", e.Length, MaxDocumentSize)
}

// ErrRecordEmpty indicates a zero-length record, which is never valid -
// every record carries at least an empty JSON object `{}`.
var ErrRecordEmpty = fmt.Errorf("record length is zero")

// ErrOutOfRange indicates a read would extend past the end of the file.
type ErrOutOfRange struct {
	Offset, Need, FileLen int64
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("read at offset %d needs %d bytes but file is %d bytes", e.Offset, e.Need, e.FileLen)
}

// AppendRecord writes a length-prefixed record at the current end of
// file and returns the absolute offset the record was written at.
func AppendRecord(f ironfs.File, data []byte) (int64, error) {
	if len(data) == 0 {
		return 0, ErrRecordEmpty
	}

	if len(data) > MaxDocumentSize {
		return 0, &ErrRecordTooLarge{Length: uint32(len(data))}
	}

	offset, err := f.Seek(0, 2) // io.SeekEnd
	if err != nil {
		return 0, fmt.Errorf("seeking to end: %w", err)
	}

	var prefix [LengthPrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(data)))

	if _, err := f.Write(prefix[:]); err != nil {
		return 0, fmt.Errorf("writing length prefix: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		return 0, fmt.Errorf("writing record body: %w", err)
	}

	return offset, nil
}

// ReadRecordAt reads the length-prefixed record at the given absolute
// offset, strictly bounds-checking against fileLen. Rejects a zero
// length and a length exceeding [MaxDocumentSize].
func ReadRecordAt(f ironfs.File, offset, fileLen int64) ([]byte, error) {
	if offset < 0 || offset+LengthPrefixSize > fileLen {
		return nil, &ErrOutOfRange{Offset: offset, Need: LengthPrefixSize, FileLen: fileLen}
	}

	if _, err := f.Seek(offset, 0); err != nil { // io.SeekStart
		return nil, fmt.Errorf("seeking to offset %d: %w", offset, err)
	}

	var prefix [LengthPrefixSize]byte
	if _, err := readFull(f, prefix[:]); err != nil {
		return nil, fmt.Errorf("reading length prefix at %d: %w", offset, err)
	}

	length := binary.LittleEndian.Uint32(prefix[:])

	if length == 0 {
		return nil, ErrRecordEmpty
	}

	if length > MaxDocumentSize {
		return nil, &ErrRecordTooLarge{Length: length}
	}

	need := offset + LengthPrefixSize + int64(length)
	if need > fileLen {
		return nil, &ErrOutOfRange{Offset: offset, Need: int64(length) + LengthPrefixSize, FileLen: fileLen}
	}

	body := make([]byte, length)
	if _, err := readFull(f, body); err != nil {
		return nil, fmt.Errorf("reading record body at %d: %w", offset, err)
	}

	return body, nil
}

func readFull(f ironfs.File, buf []byte) (int, error) {
	total := 0

	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n

		if err != nil {
			return total, err
		}

		if n == 0 {
			return total, fmt.Errorf("unexpected EOF after %d/%d bytes", total, len(buf))
		}
	}

	return total, nil
}

// FileSize returns the current size of f via Seek-to-end, restoring the
// original position is the caller's responsibility (callers typically
// call this once up front, before any positional reads).
func FileSize(f ironfs.File) (int64, error) {
	size, err := f.Seek(0, 2) // io.SeekEnd
	if err != nil {
		return 0, fmt.Errorf("seeking to end: %w", err)
	}

	return size, nil
}
