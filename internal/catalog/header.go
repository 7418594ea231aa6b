// Package catalog implements the fixed file header and the per-collection
// metadata catalog: the single source of truth for where every live
// document and the catalog itself live within the main data file.
package catalog

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size, in bytes, of the file header region.
const HeaderSize = 256

// Magic identifies an ironbase data file.
const Magic = "MONGOLTE"

// Version identifies the on-disk layout version this package writes.
// Version 1 is a legacy fixed-placement layout the loader still parses;
// version 2+ places the catalog at a dynamic tail offset recorded in
// the header.
const (
	VersionLegacy = 1
	VersionDynamic = 2

	// CurrentVersion is written by every new database created by this
	// package.
	CurrentVersion = VersionDynamic
)

// legacyMetadataOffset is where version 1 files place their catalog:
// immediately after the fixed header, with no documents preceding it.
// Version 1 databases in this implementation are therefore always
// empty-data-region databases upgraded in place on first dynamic flush.
const legacyMetadataOffset = HeaderSize

// Header is the fixed 256-byte region at the start of every data file.
type Header struct {
	Version        uint32
	MetadataOffset uint64
	MetadataSize   uint64
}

// ErrBadMagic indicates the file does not begin with the expected magic
// bytes.
var ErrBadMagic = fmt.Errorf("bad magic: not an ironbase data file")

// ErrUnsupportedVersion indicates a format version this loader cannot
// parse.
type ErrUnsupportedVersion struct {
	Version uint32
}

func (e *ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported format version %d", e.Version)
}

// Encode serializes h into a fixed HeaderSize-byte buffer, zero-padded.
func Encode(h Header) [HeaderSize]byte {
	var buf [HeaderSize]byte

	copy(buf[0:8], Magic)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint64(buf[12:20], h.MetadataOffset)
	binary.LittleEndian.PutUint64(buf[20:28], h.MetadataSize)

	return buf
}

// Decode parses a HeaderSize-byte buffer into a Header, validating the
// magic and routing on version. Version 1 carries no explicit offset
// field in the classic sense; this implementation records one anyway
// (fixed to legacyMetadataOffset) to keep the loader uniform.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("header buffer too short: %d bytes", len(buf))
	}

	if string(buf[0:8]) != Magic {
		return Header{}, ErrBadMagic
	}

	version := binary.LittleEndian.Uint32(buf[8:12])

	switch version {
	case VersionLegacy:
		return Header{
			Version:        version,
			MetadataOffset: legacyMetadataOffset,
			MetadataSize:   binary.LittleEndian.Uint64(buf[20:28]),
		}, nil
	case VersionDynamic:
		return Header{
			Version:        version,
			MetadataOffset: binary.LittleEndian.Uint64(buf[12:20]),
			MetadataSize:   binary.LittleEndian.Uint64(buf[20:28]),
		}, nil
	default:
		return Header{}, &ErrUnsupportedVersion{Version: version}
	}
}

// NewHeader returns a header for a freshly created database, with no
// catalog flushed yet (metadata offset and size are both zero until the
// first [io flush_metadata] call).
func NewHeader() Header {
	return Header{Version: CurrentVersion}
}
