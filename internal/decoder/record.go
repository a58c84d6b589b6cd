package decoder

import (
	"encoding/binary"
	"errors"

	"github.com/ipqsdb/ipqsdb-golang/internal/dberrors"
)

// Bit positions within the record flag prelude. The prelude is read low
// bit of byte zero first, ascending. Bits past the documented assignment
// are reserved and ignored.
const (
	BitProxy = iota
	BitVPN
	BitTor
	BitCrawler
	BitBot
	BitRecentAbuse
	BitBlacklisted
	BitPrivate
	BitMobile
	BitOpenPorts
	BitHostingProvider
	BitActiveVPN
	BitActiveTor
	BitPublicAccessPoint

	BitConnectionType // 3-bit field, bits 14-16
	_
	_
	BitAbuseVelocity // 2-bit field, bits 17-18
	_
	BitScoreBase // 4 presence bits, one per strictness level
)

// StrictnessLevels is the number of fraud score slots a record may carry.
const StrictnessLevels = 4

// String is a decoded string column value. OK is false when the record
// stored the "unavailable" sentinel offset of zero.
type String struct {
	Value string
	OK    bool
}

// Record is a fully decoded record. String values are owned copies, so a
// Record remains valid after the reader that produced it is closed.
// Records are read-only; copying one shares the underlying maps.
type Record struct {
	Fixed   map[string]uint32
	Strings map[string]String
	Prelude []byte
	Scores  [StrictnessLevels]uint32
	Present [StrictnessLevels]bool
}

// Bit reports the flag prelude bit at position i. Positions past the end
// of the prelude read as zero so that shorter preludes from older
// publisher builds stay decodable.
func (r Record) Bit(i int) bool {
	if i < 0 || i>>3 >= len(r.Prelude) {
		return false
	}
	return r.Prelude[i>>3]>>(i&7)&1 != 0
}

// Field returns the small-integer field of the given width starting at
// bit position i, low bit first.
func (r Record) Field(i, width int) uint8 {
	var v uint8
	for b := 0; b < width; b++ {
		if r.Bit(i + b) {
			v |= 1 << b
		}
	}
	return v
}

// DecodeRecord decodes the record at offset: the flag prelude, one slot
// per column table entry, and the presence-gated fraud score slots. The
// record either decodes completely or not at all.
func DecodeRecord(src Source, h *Header, offset uint32) (Record, error) {
	rec := Record{
		Fixed:   make(map[string]uint32),
		Strings: make(map[string]String),
	}

	prelude, err := src.ReadExact(offset, uint32(h.PreludeSize))
	if err != nil {
		return Record{}, recordError(err)
	}
	rec.Prelude = append([]byte(nil), prelude...)
	cursor := offset + uint32(h.PreludeSize)

	for _, col := range h.Columns {
		slot, err := src.ReadExact(cursor, 4)
		if err != nil {
			return Record{}, recordError(err)
		}
		cursor += 4

		value := binary.LittleEndian.Uint32(slot)
		switch col.Kind {
		case KindFixed:
			rec.Fixed[col.Name] = value
		case KindString:
			if value == 0 {
				rec.Strings[col.Name] = String{}
				continue
			}
			raw, err := src.ReadCString(value)
			if err != nil {
				return Record{}, dberrors.NewRecordError(
					"string column %q at offset %d is not NUL-terminated within the file",
					col.Name, value,
				)
			}
			rec.Strings[col.Name] = String{Value: string(raw), OK: true}
		}
	}

	for level := 0; level < StrictnessLevels; level++ {
		if !rec.Bit(BitScoreBase + level) {
			continue
		}
		slot, err := src.ReadExact(cursor, 4)
		if err != nil {
			return Record{}, dberrors.NewRecordError(
				"fraud score slot for strictness %d crosses end of file", level,
			)
		}
		cursor += 4
		rec.Scores[level] = binary.LittleEndian.Uint32(slot)
		rec.Present[level] = true
	}

	return rec, nil
}

func recordError(err error) error {
	if errors.Is(err, ErrOutOfRange) {
		return dberrors.NewOffsetError(dberrors.SectionRecord)
	}
	return err
}
