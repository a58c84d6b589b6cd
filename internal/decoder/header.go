package decoder

import (
	"encoding/binary"

	"github.com/ipqsdb/ipqsdb-golang/internal/dberrors"
)

// Header flag byte bits.
const (
	flagIPv6        = 1 << 0
	flagPackedFlags = 1 << 1
	flagBlacklist   = 1 << 2
)

// headerFixedSize is the size of the fixed prologue preceding the column
// descriptor table.
const headerFixedSize = 14

// SupportedVersion is the only database format version this library reads.
const SupportedVersion = 1

// ColumnKind declares how a column's slot is stored in a record.
type ColumnKind uint8

const (
	// KindFixed is a 4-byte inline value: an unsigned integer, or an
	// IEEE-754 float32 for the coordinate columns.
	KindFixed ColumnKind = iota
	// KindString is a 4-byte absolute offset of a NUL-terminated string.
	// A zero offset means the value is unavailable.
	KindString
)

// Column is one entry of the header's column descriptor table. The table
// order is the canonical decoding order for record slots.
type Column struct {
	Name string
	Kind ColumnKind
}

// Header is the parsed file prologue. It is immutable once parsed and is
// cached for the life of a reader.
type Header struct {
	Columns     []Column
	TreeRoot    uint32
	RecordBase  uint32
	TreeDepth   int
	PreludeSize int
	Version     uint8
	IPv6        bool
	PackedFlags bool
	Blacklist   bool
}

// ParseHeader reads and validates the file prologue: the fixed fields,
// the column descriptor table, and the tree and record region offsets.
func ParseHeader(src Source) (*Header, error) {
	buf, err := src.ReadExact(0, headerFixedSize)
	if err != nil {
		return nil, dberrors.NewOffsetError(dberrors.SectionHeader)
	}

	h := &Header{
		Version:     buf[1],
		TreeDepth:   int(buf[2]),
		PreludeSize: int(buf[3]),
		IPv6:        buf[0]&flagIPv6 != 0,
		PackedFlags: buf[0]&flagPackedFlags != 0,
		Blacklist:   buf[0]&flagBlacklist != 0,
	}

	if h.Version != SupportedVersion {
		return nil, dberrors.UnsupportedVersionError{Version: h.Version}
	}

	wantDepth := 32
	if h.IPv6 {
		wantDepth = 128
	}
	if h.TreeDepth != wantDepth {
		return nil, dberrors.NewHeaderError(
			"tree depth %d does not match address family (want %d)",
			h.TreeDepth, wantDepth,
		)
	}

	columnCount := binary.LittleEndian.Uint16(buf[4:6])
	h.TreeRoot = binary.LittleEndian.Uint32(buf[6:10])
	h.RecordBase = binary.LittleEndian.Uint32(buf[10:14])

	cursor := uint32(headerFixedSize)
	h.Columns = make([]Column, 0, columnCount)
	for i := 0; i < int(columnCount); i++ {
		desc, err := src.ReadExact(cursor, 2)
		if err != nil {
			return nil, dberrors.NewOffsetError(dberrors.SectionHeader)
		}
		kind := ColumnKind(desc[0])
		if kind != KindFixed && kind != KindString {
			return nil, dberrors.NewHeaderError(
				"column %d has unknown storage kind %d", i, desc[0],
			)
		}
		nameLen := uint32(desc[1])
		name, err := src.ReadExact(cursor+2, nameLen)
		if err != nil {
			return nil, dberrors.NewOffsetError(dberrors.SectionHeader)
		}
		h.Columns = append(h.Columns, Column{Name: string(name), Kind: kind})
		cursor += 2 + nameLen
	}

	if cursor > h.TreeRoot {
		return nil, dberrors.NewHeaderError(
			"column table ends at %d, past the tree root at %d",
			cursor, h.TreeRoot,
		)
	}
	// TreeRoot == RecordBase is a legal, if unusual, empty database:
	// the root itself is the no-record sentinel.
	if h.TreeRoot > h.RecordBase {
		return nil, dberrors.NewHeaderError(
			"tree root %d is past the record base %d",
			h.TreeRoot, h.RecordBase,
		)
	}
	if h.RecordBase > src.Len() {
		return nil, dberrors.NewHeaderError(
			"record base %d is past the end of the %d byte file",
			h.RecordBase, src.Len(),
		)
	}

	return h, nil
}
