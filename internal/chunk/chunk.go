// Package chunk splits payloads into bounded, ordered segments and
// reassembles them byte-exactly.
package chunk

import (
	"encoding/hex"
	"sort"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/models"
	"golang.org/x/crypto/blake2b"
)

// DefaultSize is the default chunk bound (512 KiB).
const DefaultSize = 512 * 1024

// Chunker splits payloads at a fixed bound.
type Chunker struct {
	size int
}

// New returns a Chunker with the given bound. Non-positive sizes fall back
// to DefaultSize.
func New(size int) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}

	return &Chunker{size: size}
}

// Size returns the chunk bound in bytes.
func (c *Chunker) Size() int {
	return c.size
}

// ShouldChunk reports whether a payload of n bytes exceeds the bound.
func (c *Chunker) ShouldChunk(n int64) bool {
	return n > int64(c.size)
}

// Count returns ceil(n / size).
func (c *Chunker) Count(n int64) int {
	if n <= 0 {
		return 0
	}

	return int((n + int64(c.size) - 1) / int64(c.size))
}

// Split slices payload into ordered segments tagged with itemID. The final
// segment may be shorter than the bound. An empty payload yields no
// segments. Segment data is copied so callers may reuse payload.
func (c *Chunker) Split(itemID string, payload []byte) []models.ChunkSegment {
	n := c.Count(int64(len(payload)))
	segments := make([]models.ChunkSegment, 0, n)

	for i := 0; i < n; i++ {
		start := i * c.size

		end := start + c.size
		if end > len(payload) {
			end = len(payload)
		}

		data := make([]byte, end-start)
		copy(data, payload[start:end])

		segments = append(segments, models.ChunkSegment{
			ItemID: itemID,
			Index:  i,
			Data:   data,
			Digest: Digest(data),
		})
	}

	return segments
}

// Reassemble concatenates segments in index order. Every index 0..N-1 must
// be present exactly once, where N is the highest index plus one, and each
// segment carrying a digest must match it. Anything else is a
// *CorruptChunkError; a truncated payload is never returned.
func Reassemble(segments []models.ChunkSegment) ([]byte, error) {
	if len(segments) == 0 {
		return []byte{}, nil
	}

	sorted := make([]models.ChunkSegment, len(segments))
	copy(sorted, segments)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	itemID := sorted[0].ItemID
	corrupt := &apperrors.CorruptChunkError{ItemID: itemID}

	want := 0
	total := 0

	for i, seg := range sorted {
		if seg.Index < 0 {
			corrupt.Unexpected = append(corrupt.Unexpected, seg.Index)
			continue
		}

		if i > 0 && seg.Index == sorted[i-1].Index {
			corrupt.Duplicate = append(corrupt.Duplicate, seg.Index)
			continue
		}

		for ; want < seg.Index; want++ {
			corrupt.Missing = append(corrupt.Missing, want)
		}

		if seg.Digest != "" && seg.Digest != Digest(seg.Data) {
			corrupt.Mismatch = append(corrupt.Mismatch, seg.Index)
		}

		want = seg.Index + 1
		total += len(seg.Data)
	}

	if len(corrupt.Missing) > 0 || len(corrupt.Duplicate) > 0 || len(corrupt.Mismatch) > 0 || len(corrupt.Unexpected) > 0 {
		return nil, corrupt
	}

	out := make([]byte, 0, total)
	for i, seg := range sorted {
		if i > 0 && seg.Index == sorted[i-1].Index {
			continue
		}

		out = append(out, seg.Data...)
	}

	return out, nil
}

// ReassembleN is Reassemble with a known segment count, so a missing tail
// segment is detected as well.
func ReassembleN(itemID string, count int, segments []models.ChunkSegment) ([]byte, error) {
	present := make(map[int]bool, len(segments))
	for _, seg := range segments {
		present[seg.Index] = true
	}

	var missing []int

	for i := 0; i < count; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}

	if len(missing) > 0 {
		return nil, &apperrors.CorruptChunkError{ItemID: itemID, Missing: missing}
	}

	var unexpected []int

	for _, seg := range segments {
		if seg.Index >= count {
			unexpected = append(unexpected, seg.Index)
		}
	}

	if len(unexpected) > 0 {
		return nil, &apperrors.CorruptChunkError{ItemID: itemID, Unexpected: unexpected}
	}

	return Reassemble(segments)
}

// Digest returns the hex BLAKE2b-256 digest of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
