package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version     byte = 2
	kindEntity  byte = 1
	kindQuery   byte = 2
	entityHdr        = 4 + 1 + 1 + 8 + 4
	queryHdr         = 4 + 1 + 1 + 8 + 4 + 4
	maxFieldLen      = 0xFFFF
)

var (
	ErrCorrupt  = errors.New("l2cache: corrupt entry")
	ErrKeyRange = errors.New("l2cache: key field length out of range")
	magic4      = [...]byte{'L', '2', 'C', 'E'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entity: magic(4) | ver(1) | kind(1=entity) | gen(u64 be) | vlen(u32 be) | snapshot(vlen)
func EncodeEntity(gen uint64, snapshot []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(entityHdr + len(snapshot))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntity)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(snapshot)))
	buf.Write(u4[:])

	buf.Write(snapshot)
	return buf.Bytes()
}

// DecodeEntity rejects anything that is not exactly one framed entity.
// The returned snapshot aliases b.
func DecodeEntity(b []byte) (gen uint64, snapshot []byte, err error) {
	if len(b) < entityHdr || !hasMagic(b) || b[4] != version || b[5] != kindEntity {
		return 0, nil, ErrCorrupt
	}
	off := 6

	gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off {
		return 0, nil, ErrCorrupt
	}
	return gen, b[off:], nil
}

// Ref identifies one cached entity inside a query result.
type Ref struct {
	Type string
	ID   string
}

// QueryEntry is one cached query result. Ident is the canonical encoding of
// the query; the storage key only carries its hash.
type QueryEntry struct {
	Created uint64
	Ident   []byte
	Refs    []Ref
}

// Query:
//
//	magic(4) | ver(1) | kind(2=query) | created(u64 be) | identLen(u32 be) | ident
//	n(u32 be) | typeLen(u16 be) | type | idLen(u16 be) | id   * n
func EncodeQuery(e QueryEntry) ([]byte, error) {
	total := queryHdr + len(e.Ident)
	for _, r := range e.Refs {
		if len(r.Type) == 0 || len(r.Type) > maxFieldLen || len(r.ID) > maxFieldLen {
			return nil, ErrKeyRange
		}
		total += 2 + len(r.Type) + 2 + len(r.ID)
	}

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindQuery)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], e.Created)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Ident)))
	buf.Write(u4[:])
	buf.Write(e.Ident)

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Refs)))
	buf.Write(u4[:])

	for _, r := range e.Refs {
		binary.BigEndian.PutUint16(u2[:], uint16(len(r.Type)))
		buf.Write(u2[:])
		buf.WriteString(r.Type)

		binary.BigEndian.PutUint16(u2[:], uint16(len(r.ID)))
		buf.Write(u2[:])
		buf.WriteString(r.ID)
	}
	return buf.Bytes(), nil
}

func DecodeQuery(b []byte) (QueryEntry, error) {
	if len(b) < queryHdr || !hasMagic(b) || b[4] != version || b[5] != kindQuery {
		return QueryEntry{}, ErrCorrupt
	}
	off := 6

	var e QueryEntry
	e.Created = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	il := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// the ref count follows the ident
	if il > len(b)-off-4 {
		return QueryEntry{}, ErrCorrupt
	}
	e.Ident = append([]byte(nil), b[off:off+il]...)
	off += il

	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// every ref needs at least 2+1+2 bytes
	if n > (len(b)-off)/5 {
		return QueryEntry{}, ErrCorrupt
	}

	e.Refs = make([]Ref, 0, n)
	for i := 0; i < n; i++ {
		typ, next, ok := readField(b, off)
		if !ok || len(typ) == 0 {
			return QueryEntry{}, ErrCorrupt
		}
		off = next

		id, next, ok := readField(b, off)
		if !ok {
			return QueryEntry{}, ErrCorrupt
		}
		off = next

		e.Refs = append(e.Refs, Ref{Type: typ, ID: id})
	}
	if off != len(b) {
		return QueryEntry{}, ErrCorrupt
	}
	return e, nil
}

func readField(b []byte, off int) (string, int, bool) {
	if off+2 > len(b) {
		return "", off, false
	}
	l := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if l > len(b)-off {
		return "", off, false
	}
	return string(b[off : off+l]), off + l, true
}
