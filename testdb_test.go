package ipqsdb

import (
	"encoding/binary"
	"net/netip"
	"sort"

	"github.com/ipqsdb/ipqsdb-golang/internal/decoder"
)

// dbBuilder synthesizes well-formed database files in memory so tests
// never depend on checked-in binary fixtures. It is the sole writer of
// the format; the reader under test is the only other party that
// understands it.
type dbBuilder struct {
	columns     []testColumn
	records     []testRecord
	routes      []testRoute
	preludeSize int
	version     uint8
	ipv6        bool
	packedFlags bool
	blacklist   bool
}

type testColumn struct {
	name string
	kind decoder.ColumnKind
}

// testRecord describes one record to encode. flags lists prelude bit
// positions to set; scores maps strictness levels to fraud scores and
// drives the presence bits; strings maps column names to values, with
// missing entries encoded as the unavailable sentinel.
type testRecord struct {
	fixed      map[string]uint32
	strings    map[string]string
	scores     map[int]uint32
	flags      []int
	connection uint8
	abuse      uint8
}

type testRoute struct {
	prefix netip.Prefix
	record int
}

type builtDB struct {
	data          []byte
	recordOffsets []uint32
	recordBase    uint32
	preludeSize   int
}

// slotOffset returns the file offset of a record's column slot, for
// tests that corrupt slots in place.
func (d builtDB) slotOffset(record, column int) uint32 {
	return d.recordOffsets[record] + uint32(d.preludeSize) + uint32(4*column)
}

func newDBBuilder() *dbBuilder {
	return &dbBuilder{preludeSize: 3, packedFlags: true, version: 1}
}

func (b *dbBuilder) addColumn(name string, kind decoder.ColumnKind) *dbBuilder {
	b.columns = append(b.columns, testColumn{name, kind})
	return b
}

func (b *dbBuilder) addRecord(r testRecord) int {
	b.records = append(b.records, r)
	return len(b.records) - 1
}

func (b *dbBuilder) route(cidr string, record int) *dbBuilder {
	b.routes = append(b.routes, testRoute{netip.MustParsePrefix(cidr), record})
	return b
}

type trieNode struct {
	children [2]*trieNode
	records  [2]int
}

func newTrieNode() *trieNode {
	return &trieNode{records: [2]int{-1, -1}}
}

func (b *dbBuilder) insert(root *trieNode, prefix netip.Prefix, record int) {
	addr := prefix.Addr()
	var bits []byte
	if addr.Is4() {
		a := addr.As4()
		bits = a[:]
	} else {
		a := addr.As16()
		bits = a[:]
	}

	n := root
	last := prefix.Bits() - 1
	for i := 0; i < last; i++ {
		bit := bits[i>>3] >> (7 - i&7) & 1
		if n.children[bit] == nil {
			n.children[bit] = newTrieNode()
		}
		n = n.children[bit]
	}
	n.records[bits[last>>3]>>(7-last&7)&1] = record
}

func (b *dbBuilder) build() builtDB {
	headerSize := 14
	for _, c := range b.columns {
		headerSize += 2 + len(c.name)
	}
	treeRoot := uint32(headerSize)

	// An empty route set produces the sentinel-root form: the tree
	// root offset equals the record base.
	var nodes []*trieNode
	if len(b.routes) > 0 {
		root := newTrieNode()
		for _, rt := range b.routes {
			b.insert(root, rt.prefix, rt.record)
		}
		var collect func(n *trieNode)
		collect = func(n *trieNode) {
			nodes = append(nodes, n)
			for _, c := range n.children {
				if c != nil {
					collect(c)
				}
			}
		}
		collect(root)
	}
	nodeOffsets := make(map[*trieNode]uint32, len(nodes))
	for i, n := range nodes {
		nodeOffsets[n] = treeRoot + uint32(8*i)
	}
	recordBase := treeRoot + uint32(8*len(nodes))

	// Records start one pad byte past the base so no record offset
	// collides with the sentinel.
	recordOffsets := make([]uint32, len(b.records))
	cursor := recordBase + 1
	for i, r := range b.records {
		recordOffsets[i] = cursor
		cursor += uint32(b.preludeSize + 4*len(b.columns) + 4*len(r.scores))
	}

	stringOffsets := make([]map[string]uint32, len(b.records))
	var pool []byte
	for i, r := range b.records {
		stringOffsets[i] = make(map[string]uint32)
		for _, c := range b.columns {
			if c.kind != decoder.KindString {
				continue
			}
			value, ok := r.strings[c.name]
			if !ok {
				continue
			}
			stringOffsets[i][c.name] = cursor + uint32(len(pool))
			pool = append(pool, value...)
			pool = append(pool, 0)
		}
	}

	data := make([]byte, int(cursor)+len(pool))

	var flags byte
	if b.ipv6 {
		flags |= 1
	}
	if b.packedFlags {
		flags |= 2
	}
	if b.blacklist {
		flags |= 4
	}
	data[0] = flags
	data[1] = b.version
	if b.ipv6 {
		data[2] = 128
	} else {
		data[2] = 32
	}
	data[3] = byte(b.preludeSize)
	binary.LittleEndian.PutUint16(data[4:6], uint16(len(b.columns)))
	binary.LittleEndian.PutUint32(data[6:10], treeRoot)
	binary.LittleEndian.PutUint32(data[10:14], recordBase)
	off := 14
	for _, c := range b.columns {
		data[off] = byte(c.kind)
		data[off+1] = byte(len(c.name))
		copy(data[off+2:], c.name)
		off += 2 + len(c.name)
	}

	for _, n := range nodes {
		at := nodeOffsets[n]
		for bit := 0; bit < 2; bit++ {
			child := recordBase
			switch {
			case n.records[bit] >= 0:
				child = recordOffsets[n.records[bit]]
			case n.children[bit] != nil:
				child = nodeOffsets[n.children[bit]]
			}
			binary.LittleEndian.PutUint32(data[at+uint32(4*bit):], child)
		}
	}

	for i, r := range b.records {
		at := recordOffsets[i]
		prelude := data[at : at+uint32(b.preludeSize)]
		set := func(bit int) {
			if bit>>3 < len(prelude) {
				prelude[bit>>3] |= 1 << (bit & 7)
			}
		}
		for _, bit := range r.flags {
			set(bit)
		}
		for k := 0; k < 3; k++ {
			if r.connection>>k&1 != 0 {
				set(decoder.BitConnectionType + k)
			}
		}
		for k := 0; k < 2; k++ {
			if r.abuse>>k&1 != 0 {
				set(decoder.BitAbuseVelocity + k)
			}
		}
		levels := make([]int, 0, len(r.scores))
		for level := range r.scores {
			set(decoder.BitScoreBase + level)
			levels = append(levels, level)
		}
		sort.Ints(levels)

		slot := at + uint32(b.preludeSize)
		for _, c := range b.columns {
			var value uint32
			if c.kind == decoder.KindFixed {
				value = r.fixed[c.name]
			} else {
				value = stringOffsets[i][c.name]
			}
			binary.LittleEndian.PutUint32(data[slot:], value)
			slot += 4
		}
		for _, level := range levels {
			binary.LittleEndian.PutUint32(data[slot:], r.scores[level])
			slot += 4
		}
	}

	copy(data[cursor:], pool)

	return builtDB{
		data:          data,
		recordOffsets: recordOffsets,
		recordBase:    recordBase,
		preludeSize:   b.preludeSize,
	}
}
