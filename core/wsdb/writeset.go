// Package wsdb is the write-set database: the write-set model and its wire
// codec, the certification store that decides whether a totally-ordered
// write-set may commit, and the table of local in-flight transactions.
package wsdb

import (
	"bytes"
	"encoding/binary"

	"github.com/sushant-115/tandemdb/core/ordering"
)

// Type says what a write-set carries.
type Type uint8

const (
	// TypeTrx is a transaction write-set: queries or row operations plus the
	// row-key footprints used for certification.
	TypeTrx Type = iota + 1
	// TypeConn is a single connection-level statement executed in total
	// order, e.g. DDL.
	TypeConn
)

// Level says how the write-set body is expressed.
type Level uint8

const (
	// LevelRow carries binary row images.
	LevelRow Level = iota + 1
	// LevelCols carries per-column changes. Declared but unsupported: a COLS
	// write-set is rejected at submit and skip-applied if received.
	LevelCols
	// LevelQuery carries the original SQL statements.
	LevelQuery
)

// Row-operation action codes, also part of the certification footprint.
const (
	ActionInsert byte = 'I'
	ActionUpdate byte = 'U'
	ActionDelete byte = 'D'
)

// Key-part data type codes.
const (
	KeyTypeChar  byte = 'C'
	KeyTypeFloat byte = 'F'
	KeyTypeInt   byte = 'I'
	KeyTypeBlob  byte = 'B'
	KeyTypeVoid  byte = 'V'
)

// Item data modes.
const (
	DataModeNone   uint8 = 0
	DataModeColumn uint8 = 1
	DataModeRow    uint8 = 2
)

// KeyPart is one column of a row key.
type KeyPart struct {
	Type byte
	Data []byte
}

// RowKey identifies one row: the db.table name and the key columns.
type RowKey struct {
	Table string
	Parts []KeyPart
}

// ColData is a single modified column of a LevelCols item.
type ColData struct {
	Column uint16
	Type   byte
	Data   []byte
}

// Item is one row operation in a write-set body. Its key and action double as
// the certification footprint.
type Item struct {
	Action   byte
	Key      RowKey
	DataMode uint8
	Row      []byte
	Cols     []ColData
}

// WriteSet is the unit of replication: everything one transaction (or one
// connection-level statement) ships to the cluster. A write-set is immutable
// once submitted for replication.
type WriteSet struct {
	// LocalTrxID is meaningful only on the originating node.
	LocalTrxID uint64
	// LastSeen is the certification horizon: the highest globally-committed
	// seqno the originator had observed when the write-set was built.
	LastSeen ordering.Seqno
	Type     Type
	Level    Level
	State    uint8
	// Queries is the transaction body when Level is LevelQuery, or the single
	// statement of a TypeConn write-set.
	Queries []string
	// ConnQueries are connection-context statements (USE, SET ...) applied
	// before the body.
	ConnQueries []string
	Items       []Item
}

// Footprint is the certification identity of one row operation, built from
// (table, key bytes, action). Two write-sets conflict when they share a
// footprint.
type Footprint string

// footprint serializes the item's key and action into a self-delimiting byte
// string usable as a map key. Part boundaries are length-prefixed so distinct
// keys can never collide by concatenation.
func (it *Item) footprint() Footprint {
	var b bytes.Buffer
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(it.Key.Table)))
	b.Write(n[:])
	b.WriteString(it.Key.Table)
	for _, p := range it.Key.Parts {
		binary.BigEndian.PutUint16(n[:], uint16(len(p.Data)))
		b.Write(n[:])
		b.Write(p.Data)
	}
	b.WriteByte(it.Action)
	return Footprint(b.Bytes())
}

// Footprints returns the write-set's row-key footprints in item order.
func (ws *WriteSet) Footprints() []Footprint {
	if len(ws.Items) == 0 {
		return nil
	}
	fps := make([]Footprint, len(ws.Items))
	for i := range ws.Items {
		fps[i] = ws.Items[i].footprint()
	}
	return fps
}

// Conflicts reports whether ws dependency-conflicts with other: the same test
// as certification, applied pairwise. It is what the apply pool uses to admit
// parallel appliers.
func (ws *WriteSet) Conflicts(other *WriteSet) bool {
	if len(ws.Items) == 0 || len(other.Items) == 0 {
		return false
	}
	seen := make(map[Footprint]struct{}, len(other.Items))
	for i := range other.Items {
		seen[other.Items[i].footprint()] = struct{}{}
	}
	for i := range ws.Items {
		if _, ok := seen[ws.Items[i].footprint()]; ok {
			return true
		}
	}
	return false
}
