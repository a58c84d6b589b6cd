package ipqsdb

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/ipqsdb/ipqsdb-golang/internal/dberrors"
)

// ErrNotFound is returned by Lookup when the search tree holds no record
// for the queried address. It is expected in normal operation and is
// distinct from database malformation.
var ErrNotFound = errors.New("address not found in database")

// InvalidDatabaseError is returned when the database contains invalid
// data and cannot be parsed. Its Section method reports whether the
// header, the search tree, or a record was malformed.
type InvalidDatabaseError = dberrors.InvalidDatabaseError

// UnsupportedVersionError is returned when the file's version byte does
// not match a version this library can read.
type UnsupportedVersionError = dberrors.UnsupportedVersionError

// Section identifies a region of the database file.
type Section = dberrors.Section

// Sections of the database file, as reported by InvalidDatabaseError.
const (
	SectionHeader = dberrors.SectionHeader
	SectionTree   = dberrors.SectionTree
	SectionRecord = dberrors.SectionRecord
)

// FamilyMismatchError is returned when the queried address family does
// not match the database: an IPv6 address against an IPv4 database or
// vice versa. The search tree is never read in this case.
type FamilyMismatchError struct {
	IP                netip.Addr
	DatabaseIPVersion uint
}

func (e FamilyMismatchError) Error() string {
	return fmt.Sprintf(
		"cannot look up '%s' in an IPv%d database", e.IP, e.DatabaseIPVersion,
	)
}
