package vm

import (
	"encoding/binary"

	"github.com/kestreldb/kestrel/internal/kerr"
)

// Row and key encodings.
//
// A row payload is a header of 16-bit field-offset words, one per
// column, each giving the start of that column's bytes relative to the
// payload start, followed by the concatenated column bytes. Every
// non-NULL column is stored as its canonical text rendering plus a NUL
// terminator; a NULL column occupies zero bytes, detected by two equal
// successive offsets. The first offset doubles as the header length, so
// the column count never needs to be stored.
//
// An index key is the column renderings joined by single NUL bytes; a
// full index entry appends the owning row's 4-byte big-endian rowid so
// equal-prefix entries stay unique and sort by rowid.

// EncodeRecord builds a row payload from vals in column order.
func EncodeRecord(vals []Mem) ([]byte, error) {
	n := len(vals)
	hdr := 2 * n
	rendered := make([][]byte, n)
	total := hdr
	for i, v := range vals {
		if !v.IsNull() {
			rendered[i] = append([]byte(v.ToString()), 0)
			total += len(rendered[i])
		}
	}
	if total > 0xFFFF {
		return nil, kerr.New(kerr.TooBig, "record of %d bytes exceeds offset range", total)
	}
	rec := make([]byte, total)
	off := hdr
	for i, r := range rendered {
		binary.LittleEndian.PutUint16(rec[2*i:], uint16(off))
		copy(rec[off:], r)
		off += len(r)
	}
	return rec, nil
}

// RecordColumnCount derives the column count from the header length.
func RecordColumnCount(rec []byte) (int, error) {
	if len(rec) == 0 {
		return 0, nil
	}
	if len(rec) < 2 {
		return 0, kerr.New(kerr.Corrupt, "record shorter than one offset word")
	}
	first := int(binary.LittleEndian.Uint16(rec))
	if first%2 != 0 || first > len(rec) {
		return 0, kerr.New(kerr.Corrupt, "record header length %d invalid", first)
	}
	return first / 2, nil
}

// DecodeColumn extracts column i. NULL columns come back as Null; all
// others as Str (values are stored in text form and re-coerce lazily).
func DecodeColumn(rec []byte, i int) (Mem, error) {
	ncols, err := RecordColumnCount(rec)
	if err != nil {
		return Null(), err
	}
	if i < 0 || i >= ncols {
		return Null(), kerr.New(kerr.Range, "column %d of %d", i, ncols)
	}
	start := int(binary.LittleEndian.Uint16(rec[2*i:]))
	end := len(rec)
	if i+1 < ncols {
		end = int(binary.LittleEndian.Uint16(rec[2*(i+1):]))
	}
	if start > end || end > len(rec) {
		return Null(), kerr.New(kerr.Corrupt, "column %d spans [%d,%d) of %d", i, start, end, len(rec))
	}
	if start == end {
		return Null(), nil
	}
	// Strip the NUL terminator.
	return Str(string(rec[start : end-1])), nil
}

// EncodeKey joins field renderings with NUL separators.
func EncodeKey(vals []Mem) []byte {
	var key []byte
	for i, v := range vals {
		if i > 0 {
			key = append(key, 0)
		}
		key = append(key, v.ToString()...)
	}
	return key
}

// EncodeIdxKey is EncodeKey plus the 4-byte big-endian rowid suffix.
func EncodeIdxKey(vals []Mem, rowid int64) []byte {
	key := EncodeKey(vals)
	var tail [4]byte
	binary.BigEndian.PutUint32(tail[:], uint32(rowid))
	return append(key, tail[:]...)
}

// IdxKeyRowid recovers the rowid suffix of an index entry.
func IdxKeyRowid(key []byte) (int64, error) {
	if len(key) < 4 {
		return 0, kerr.New(kerr.Corrupt, "index key of %d bytes has no rowid suffix", len(key))
	}
	return int64(binary.BigEndian.Uint32(key[len(key)-4:])), nil
}

// RowidKey renders a rowid as a 4-byte big-endian table key, so numeric
// and lexicographic order coincide.
func RowidKey(rowid int64) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(rowid))
	return b[:]
}

// KeyRowid decodes a 4-byte table key.
func KeyRowid(key []byte) (int64, error) {
	if len(key) != 4 {
		return 0, kerr.New(kerr.Corrupt, "table key of %d bytes is not a rowid", len(key))
	}
	return int64(binary.BigEndian.Uint32(key)), nil
}
