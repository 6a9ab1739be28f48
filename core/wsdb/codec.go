package wsdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/sushant-115/tandemdb/core/ordering"
)

// Deterministic binary encoding for write-sets: fixed-width big-endian
// integers, length-prefixed variable-length fields, fields in declaration
// order. Every node must produce byte-identical encodings for the same
// write-set, so no map iteration or optional fields appear here.

// ErrWriteSetTooLarge is returned when an encoded write-set exceeds the
// caller's size budget. The submitting transaction fails, it does not
// replicate.
var ErrWriteSetTooLarge = errors.New("wsdb: encoded write set exceeds size limit")

const (
	maxCount = math.MaxUint16
	maxField = math.MaxUint16
)

// Encode serializes ws. maxSize bounds the encoded form; pass 0 for no bound.
func Encode(ws *WriteSet, maxSize int) ([]byte, error) {
	var b bytes.Buffer

	putU64(&b, ws.LocalTrxID)
	putU64(&b, uint64(ws.LastSeen))
	b.WriteByte(byte(ws.Type))
	b.WriteByte(byte(ws.Level))
	b.WriteByte(ws.State)

	if err := putQueries(&b, ws.Queries); err != nil {
		return nil, err
	}
	if err := putQueries(&b, ws.ConnQueries); err != nil {
		return nil, err
	}

	if len(ws.Items) > maxCount {
		return nil, fmt.Errorf("wsdb: too many items: %d", len(ws.Items))
	}
	putU16(&b, uint16(len(ws.Items)))
	for i := range ws.Items {
		if err := putItem(&b, &ws.Items[i]); err != nil {
			return nil, err
		}
	}

	if maxSize > 0 && b.Len() > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrWriteSetTooLarge, b.Len(), maxSize)
	}
	return b.Bytes(), nil
}

// Decode parses a write-set produced by Encode. Trailing bytes are an error:
// a framed payload must contain exactly one write-set.
func Decode(buf []byte) (*WriteSet, error) {
	r := &reader{buf: buf}
	ws := &WriteSet{}

	ws.LocalTrxID = r.u64()
	ws.LastSeen = ordering.Seqno(r.u64())
	ws.Type = Type(r.u8())
	ws.Level = Level(r.u8())
	ws.State = r.u8()

	ws.Queries = r.queries()
	ws.ConnQueries = r.queries()

	n := int(r.u16())
	if n > 0 {
		ws.Items = make([]Item, n)
		for i := 0; i < n; i++ {
			r.item(&ws.Items[i])
		}
	}

	if r.err != nil {
		return nil, fmt.Errorf("wsdb: decode write set: %w", r.err)
	}
	if len(r.buf) != r.off {
		return nil, fmt.Errorf("wsdb: decode write set: %d trailing bytes", len(r.buf)-r.off)
	}
	switch ws.Type {
	case TypeTrx, TypeConn:
	default:
		return nil, fmt.Errorf("wsdb: decode write set: bad type %d", ws.Type)
	}
	switch ws.Level {
	case LevelRow, LevelCols, LevelQuery:
	default:
		return nil, fmt.Errorf("wsdb: decode write set: bad level %d", ws.Level)
	}
	return ws, nil
}

func putU64(b *bytes.Buffer, v uint64) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], v)
	b.Write(n[:])
}

func putU16(b *bytes.Buffer, v uint16) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], v)
	b.Write(n[:])
}

func putBytes(b *bytes.Buffer, data []byte) error {
	if len(data) > maxField {
		return fmt.Errorf("wsdb: field too long: %d bytes", len(data))
	}
	putU16(b, uint16(len(data)))
	b.Write(data)
	return nil
}

func putQueries(b *bytes.Buffer, queries []string) error {
	if len(queries) > maxCount {
		return fmt.Errorf("wsdb: too many queries: %d", len(queries))
	}
	putU16(b, uint16(len(queries)))
	for _, q := range queries {
		if err := putBytes(b, []byte(q)); err != nil {
			return err
		}
	}
	return nil
}

func putItem(b *bytes.Buffer, it *Item) error {
	b.WriteByte(it.Action)
	if err := putBytes(b, []byte(it.Key.Table)); err != nil {
		return err
	}
	if len(it.Key.Parts) > maxCount {
		return fmt.Errorf("wsdb: too many key parts: %d", len(it.Key.Parts))
	}
	putU16(b, uint16(len(it.Key.Parts)))
	for _, p := range it.Key.Parts {
		b.WriteByte(p.Type)
		if err := putBytes(b, p.Data); err != nil {
			return err
		}
	}
	b.WriteByte(it.DataMode)
	switch it.DataMode {
	case DataModeNone:
	case DataModeRow:
		if err := putBytes(b, it.Row); err != nil {
			return err
		}
	case DataModeColumn:
		if len(it.Cols) > maxCount {
			return fmt.Errorf("wsdb: too many columns: %d", len(it.Cols))
		}
		putU16(b, uint16(len(it.Cols)))
		for _, c := range it.Cols {
			putU16(b, c.Column)
			b.WriteByte(c.Type)
			if err := putBytes(b, c.Data); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("wsdb: bad item data mode %d", it.DataMode)
	}
	return nil
}

// reader is a cursor over an encoded write-set that latches the first error
// and returns zero values afterwards, so decode paths stay linear.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = io.ErrUnexpectedEOF
	}
}

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	if r.off+1 > len(r.buf) {
		r.fail()
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if r.err != nil {
		return 0
	}
	if r.off+2 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) bytes() []byte {
	n := int(r.u16())
	if r.err != nil || n == 0 {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.fail()
		return nil
	}
	v := make([]byte, n)
	copy(v, r.buf[r.off:r.off+n])
	r.off += n
	return v
}

func (r *reader) queries() []string {
	n := int(r.u16())
	if r.err != nil || n == 0 {
		return nil
	}
	qs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		qs = append(qs, string(r.bytes()))
	}
	return qs
}

func (r *reader) item(it *Item) {
	it.Action = r.u8()
	it.Key.Table = string(r.bytes())
	np := int(r.u16())
	if r.err != nil {
		return
	}
	if np > 0 {
		it.Key.Parts = make([]KeyPart, 0, np)
		for i := 0; i < np; i++ {
			it.Key.Parts = append(it.Key.Parts, KeyPart{Type: r.u8(), Data: r.bytes()})
		}
	}
	it.DataMode = r.u8()
	switch it.DataMode {
	case DataModeNone:
	case DataModeRow:
		it.Row = r.bytes()
	case DataModeColumn:
		nc := int(r.u16())
		if r.err != nil {
			return
		}
		if nc > 0 {
			it.Cols = make([]ColData, 0, nc)
			for i := 0; i < nc; i++ {
				it.Cols = append(it.Cols, ColData{Column: r.u16(), Type: r.u8(), Data: r.bytes()})
			}
		}
	default:
		if r.err == nil {
			r.err = fmt.Errorf("bad item data mode %d", it.DataMode)
		}
	}
}
