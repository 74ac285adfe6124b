package model

import (
	"encoding/binary"
	"sort"

	"github.com/zeebo/xxh3"
)

// CDFingerprint computes a deterministic content hash of a ColumnData,
// independent of Go map iteration order: two ColumnData values with the same
// column id, date and cell values hash identically, so replicas of a column
// can be compared (spec.md §8 "Convergence" law). It hashes one ColumnData
// only; no schema hashing is done with it, and nothing in this module calls
// it yet — the same xxh3-based role internal/model's teacher analogue
// (node.Hash) plays for node identity.
func CDFingerprint(cd ColumnData) [16]byte {
	rowIDs := make([]string, 0, len(cd.Values))
	for id := range cd.Values {
		rowIDs = append(rowIDs, id)
	}
	sort.Strings(rowIDs)

	h := xxh3.New()
	writeString(h, cd.ColumnID)
	writeInt64(h, cd.Date)
	for _, rowID := range rowIDs {
		v := cd.Values[rowID]
		writeString(h, rowID)
		writeCellValue(h, v)
	}
	sum := h.Sum128()
	var out [16]byte
	binary.LittleEndian.PutUint64(out[:8], sum.Lo)
	binary.LittleEndian.PutUint64(out[8:], sum.Hi)
	return out
}

func writeString(h *xxh3.Hasher, s string) {
	writeInt64(h, int64(len(s)))
	_, _ = h.Write([]byte(s))
}

func writeInt64(h *xxh3.Hasher, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, _ = h.Write(buf[:])
}

func writeCellValue(h *xxh3.Hasher, v CellValue) {
	writeInt64(h, int64(v.Type))
	writeInt64(h, v.Date)
	switch v.Type {
	case TypeLong, TypeBoolean:
		writeInt64(h, v.Long)
	case TypeDouble:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(v.Double*1e9)))
		_, _ = h.Write(buf[:])
	case TypeString:
		writeString(h, v.Str)
	case TypeLongList:
		writeInt64(h, int64(len(v.LongList)))
		for _, e := range v.LongList {
			writeInt64(h, e)
		}
	case TypeDoubleList:
		writeInt64(h, int64(len(v.DoubleList)))
		for _, e := range v.DoubleList {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], uint64(int64(e*1e9)))
			_, _ = h.Write(buf[:])
		}
	}
}
