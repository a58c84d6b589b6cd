package ipqsdb

import (
	"net/netip"

	"github.com/ipqsdb/ipqsdb-golang/internal/dberrors"
	"github.com/ipqsdb/ipqsdb-golang/internal/decoder"
)

// frame is a pending position in the tree walk: either a node still to
// expand or a record ready to yield.
type frame struct {
	offset   uint32
	addr     [16]byte
	depth    int
	isRecord bool
}

// Networks iterates over every network with a record in the database, in
// ascending address order.
type Networks struct {
	reader *Reader
	stack  []frame
	nodes  int
}

// Networks returns an iterator over all networks in the database:
//
//	for {
//		prefix, record, err := networks.Next()
//		if err != nil {
//			...
//		}
//		if !prefix.IsValid() {
//			break
//		}
//		...
//	}
func (r *Reader) Networks() *Networks {
	n := &Networks{reader: r}
	if r.source != nil && r.header.TreeRoot != r.header.RecordBase {
		n.stack = []frame{{offset: r.header.TreeRoot}}
	}
	return n
}

// Next returns the next network and its record. The returned prefix is
// invalid once the iterator is exhausted.
func (n *Networks) Next() (netip.Prefix, Record, error) {
	h := n.reader.header
	for len(n.stack) > 0 {
		f := n.stack[len(n.stack)-1]
		n.stack = n.stack[:len(n.stack)-1]

		if f.isRecord {
			raw, err := decoder.DecodeRecord(n.reader.source, h, f.offset)
			if err != nil {
				return netip.Prefix{}, Record{}, err
			}
			return n.prefix(f), newRecord(raw, h), nil
		}

		if f.depth >= h.TreeDepth {
			return netip.Prefix{}, Record{}, dberrors.NewTreeError(
				"node at depth %d exceeds the declared tree depth", f.depth,
			)
		}
		// A well-formed tree visits each node once; walking more nodes
		// than the tree region can hold means nodes share children.
		n.nodes++
		if uint32(n.nodes) > (h.RecordBase-h.TreeRoot)/8 {
			return netip.Prefix{}, Record{}, dberrors.NewTreeError(
				"walked %d nodes in a tree region with room for %d",
				n.nodes, (h.RecordBase-h.TreeRoot)/8,
			)
		}
		children, err := n.reader.source.ReadExact(f.offset, 8)
		if err != nil {
			return netip.Prefix{}, Record{}, dberrors.NewOffsetError(dberrors.SectionTree)
		}

		// Push the right child first so the left is visited first.
		for _, bit := range []int{1, 0} {
			child := leUint32(children[bit*4 : bit*4+4])
			if child == h.RecordBase {
				continue
			}
			next := frame{
				offset:   child,
				addr:     f.addr,
				depth:    f.depth + 1,
				isRecord: child > h.RecordBase,
			}
			if bit == 1 {
				next.addr[f.depth>>3] |= 1 << (7 - f.depth&7)
			}
			n.stack = append(n.stack, next)
		}
	}
	return netip.Prefix{}, Record{}, nil
}

func (n *Networks) prefix(f frame) netip.Prefix {
	if n.reader.header.IPv6 {
		return netip.PrefixFrom(netip.AddrFrom16(f.addr), f.depth)
	}
	var a4 [4]byte
	copy(a4[:], f.addr[:4])
	return netip.PrefixFrom(netip.AddrFrom4(a4), f.depth)
}
