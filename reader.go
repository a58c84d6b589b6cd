// Package ipqsdb provides a reader for IPQualityScore flat-file proxy
// detection databases.
//
// The flat-file format is a single read-only binary file holding IP
// reputation records: boolean risk flags (proxy, VPN, Tor, bot, ...),
// connection type and abuse velocity, geolocation columns, and up to
// four fraud scores at increasing strictness levels. A file holds
// exclusively IPv4 or exclusively IPv6 data; open one reader per family.
//
// # Basic Usage
//
//	db, err := ipqsdb.Open("ipqs-ipv4.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	record, err := db.Lookup(netip.MustParseAddr("8.8.0.0"))
//	if errors.Is(err, ipqsdb.ErrNotFound) {
//		// no data for this address
//	} else if err != nil {
//		log.Fatal(err)
//	}
//
//	if proxy, ok := record.IsProxy(); ok && proxy {
//		fmt.Println("proxy:", record.ConnectionType())
//	}
//
// # Thread Safety
//
// All Reader methods are thread-safe. The Reader may be safely shared
// across goroutines; lookups are independent of one another.
package ipqsdb

import (
	"errors"
	"io"
	"net/netip"
	"os"
	"runtime"

	"github.com/ipqsdb/ipqsdb-golang/internal/dberrors"
	"github.com/ipqsdb/ipqsdb-golang/internal/decoder"
)

// Reader holds an open database file and its parsed header. The header
// is parsed once at open time; lookups afterwards are stateless.
type Reader struct {
	source        decoder.BytesSource
	header        *decoder.Header
	hasMappedFile bool
}

// Metadata describes the shape of an open database as declared by its
// header.
type Metadata struct {
	// Columns lists the column names the database carries, in the
	// order they are stored within each record.
	Columns []string

	// Version is the file format version.
	Version uint8

	// IPVersion is 4 or 6.
	IPVersion uint

	// TreeDepth is the number of address bits the search tree
	// discriminates: 32 for IPv4 databases, 128 for IPv6.
	TreeDepth int

	// PreludeSize is the number of packed-flag bytes at the start of
	// each record. It varies with the publisher's build.
	PreludeSize int

	// Blacklist reports whether the publisher marked this file as a
	// blacklist build.
	Blacklist bool
}

// Open takes a path to a flat-file database and returns a Reader or an
// error. The file is opened using a memory map on supported platforms;
// elsewhere, or if mapping fails for lack of support, it is loaded into
// memory. Use Close to return the resources to the system.
func Open(file string) (*Reader, error) {
	mapFile, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer mapFile.Close() //nolint:errcheck // error is generally not relevant

	stats, err := mapFile.Stat()
	if err != nil {
		return nil, err
	}

	size64 := stats.Size()
	// mmapping an empty file returns -EINVAL on Unix platforms,
	// and ERROR_FILE_INVALID on Windows.
	if size64 == 0 {
		return nil, errors.New("file is empty")
	}

	size := int(size64)
	if int64(size) != size64 {
		return nil, errors.New("file too large")
	}

	data, err := mmap(int(mapFile.Fd()), size)
	if err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			data, err = openFallback(mapFile, size)
			if err != nil {
				return nil, err
			}
			return FromBytes(data)
		}
		return nil, err
	}

	reader, err := FromBytes(data)
	if err != nil {
		_ = munmap(data)
		return nil, err
	}

	reader.hasMappedFile = true
	runtime.SetFinalizer(reader, (*Reader).Close)
	return reader, nil
}

func openFallback(f *os.File, size int) (data []byte, err error) {
	data = make([]byte, size)
	_, err = io.ReadFull(f, data)
	return data, err
}

// FromBytes takes a byte slice corresponding to a flat-file database and
// returns a Reader or an error. The slice must not be modified while the
// Reader is in use.
func FromBytes(buffer []byte) (*Reader, error) {
	source := decoder.BytesSource(buffer)
	header, err := decoder.ParseHeader(source)
	if err != nil {
		return nil, err
	}
	return &Reader{source: source, header: header}, nil
}

// Close returns the resources used by the database to the system.
func (r *Reader) Close() error {
	var err error
	if r.hasMappedFile {
		runtime.SetFinalizer(r, nil)
		r.hasMappedFile = false
		err = munmap(r.source)
	}
	r.source = nil
	return err
}

// Metadata returns the shape of the open database.
func (r *Reader) Metadata() Metadata {
	columns := make([]string, 0, len(r.header.Columns))
	for _, col := range r.header.Columns {
		columns = append(columns, col.Name)
	}
	ipVersion := uint(4)
	if r.header.IPv6 {
		ipVersion = 6
	}
	return Metadata{
		Columns:     columns,
		Version:     r.header.Version,
		IPVersion:   ipVersion,
		TreeDepth:   r.header.TreeDepth,
		PreludeSize: r.header.PreludeSize,
		Blacklist:   r.header.Blacklist,
	}
}

// Lookup retrieves the record for ip. It returns an error satisfying
// errors.Is(err, ErrNotFound) when the database holds no data for the
// address, and a FamilyMismatchError when the address family does not
// match the database. Mapped IPv4-in-IPv6 addresses are not unwrapped;
// the caller chooses which database to query.
func (r *Reader) Lookup(ip netip.Addr) (Record, error) {
	if r.source == nil {
		return Record{}, errors.New("cannot call Lookup on a closed database")
	}
	if ip.Is4() == r.header.IPv6 {
		return Record{}, FamilyMismatchError{IP: ip, DatabaseIPVersion: r.Metadata().IPVersion}
	}

	offset, err := r.lookupOffset(ip)
	if err != nil {
		return Record{}, err
	}
	raw, err := decoder.DecodeRecord(r.source, r.header, offset)
	if err != nil {
		return Record{}, err
	}
	return newRecord(raw, r.header), nil
}

// lookupOffset walks the search tree bit by bit, most significant bit
// first, until it reaches a record offset or the no-record sentinel.
func (r *Reader) lookupOffset(ip netip.Addr) (uint32, error) {
	addr := addrBytes(ip)
	node := r.header.TreeRoot
	base := r.header.RecordBase

	if node == base {
		// The root itself is the sentinel: an empty database.
		return 0, ErrNotFound
	}

	for i := 0; i < r.header.TreeDepth; i++ {
		children, err := r.source.ReadExact(node, 8)
		if err != nil {
			return 0, dberrors.NewOffsetError(dberrors.SectionTree)
		}

		bit := addr[i>>3] >> (7 - i&7) & 1
		child := leUint32(children[bit*4 : bit*4+4])

		if child == base {
			return 0, ErrNotFound
		}
		if child > base {
			return child, nil
		}
		node = child
	}

	return 0, dberrors.NewTreeError(
		"traversal used all %d address bits without terminating", r.header.TreeDepth,
	)
}

// addrBytes returns the address in canonical big-endian form: 4 bytes
// for IPv4, 16 for IPv6. The family has already been checked.
func addrBytes(ip netip.Addr) []byte {
	if ip.Is4() {
		a := ip.As4()
		return a[:]
	}
	a := ip.As16()
	return a[:]
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
