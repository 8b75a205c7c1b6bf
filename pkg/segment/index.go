package segment

import (
	"github.com/fluxorio/streamline/pkg/apperr"
	"github.com/fluxorio/streamline/pkg/wire"
)

// IndexEntrySize is the on-disk width of one index entry (spec §3.3/§6.1):
// relative_offset:u32 | position:u32 | timestamp:u64.
const IndexEntrySize = 4 + 4 + 8

// IndexEntry is one record of a segment's .index or .timeindex file. Both
// files share this entry shape (spec §6.1 defines a single index-entry
// layout), so a segment extends them in lockstep on every append: the
// .index file is consulted for offset->position resolution and the
// .timeindex file for timestamp->entry resolution.
type IndexEntry struct {
	RelativeOffset uint32
	Position       uint32
	Timestamp      uint64
}

func encodeIndexEntry(e IndexEntry) []byte {
	b := make([]byte, IndexEntrySize)
	wire.PutU32(b[0:4], e.RelativeOffset)
	wire.PutU32(b[4:8], e.Position)
	wire.PutU64(b[8:16], e.Timestamp)
	return b
}

func decodeIndexEntries(buf []byte) ([]IndexEntry, error) {
	if len(buf)%IndexEntrySize != 0 {
		return nil, apperr.Wrap(apperr.CodeCorruptIndex, "index file length is not a multiple of the entry size", nil)
	}
	n := len(buf) / IndexEntrySize
	out := make([]IndexEntry, n)
	for i := 0; i < n; i++ {
		b := buf[i*IndexEntrySize : (i+1)*IndexEntrySize]
		out[i] = IndexEntry{
			RelativeOffset: wire.GetU32(b[0:4]),
			Position:       wire.GetU32(b[4:8]),
			Timestamp:      wire.GetU64(b[8:16]),
		}
	}
	return out, nil
}

// findByRelativeOffset returns the index of the last entry whose
// RelativeOffset <= target, or -1 if none qualifies. entries is assumed
// sorted ascending by RelativeOffset (append order guarantees this).
func findByRelativeOffset(entries []IndexEntry, target uint32) int {
	lo, hi := 0, len(entries)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if entries[mid].RelativeOffset <= target {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// findFirstByTimestamp returns the index of the first entry whose
// Timestamp >= target, or -1 if none qualifies.
func findFirstByTimestamp(entries []IndexEntry, target uint64) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if entries[mid].Timestamp >= target {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == len(entries) {
		return -1
	}
	return lo
}
