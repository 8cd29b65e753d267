package chunk

import (
	"bytes"
	"math/rand/v2"
	"testing"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomPayload(n int) []byte {
	r := rand.New(rand.NewPCG(uint64(n), 42))
	buf := make([]byte, n)

	for i := range buf {
		buf[i] = byte(r.UintN(256))
	}

	return buf
}

func TestNew_DefaultSize(t *testing.T) {
	assert.Equal(t, DefaultSize, New(0).Size())
	assert.Equal(t, DefaultSize, New(-5).Size())
	assert.Equal(t, 1024, New(1024).Size())
}

func TestShouldChunk(t *testing.T) {
	c := New(DefaultSize)
	assert.False(t, c.ShouldChunk(0))
	assert.False(t, c.ShouldChunk(DefaultSize))
	assert.True(t, c.ShouldChunk(DefaultSize+1))
}

func TestCount(t *testing.T) {
	c := New(10)
	assert.Equal(t, 0, c.Count(0))
	assert.Equal(t, 1, c.Count(1))
	assert.Equal(t, 1, c.Count(10))
	assert.Equal(t, 2, c.Count(11))
	assert.Equal(t, 4, c.Count(35))
}

func TestRoundTrip(t *testing.T) {
	const bound = 1024

	tests := []struct {
		name   string
		size   int
		chunks int
	}{
		{"empty", 0, 0},
		{"one byte", 1, 1},
		{"exact bound", bound, 1},
		{"exact multiple", 3 * bound, 3},
		{"several plus remainder", 4*bound + 17, 5},
	}

	c := New(bound)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := randomPayload(tt.size)

			segments := c.Split("item-1", payload)
			assert.Len(t, segments, tt.chunks)
			assert.Equal(t, c.Count(int64(tt.size)), len(segments))

			for i, seg := range segments {
				assert.Equal(t, "item-1", seg.ItemID)
				assert.Equal(t, i, seg.Index)
				assert.LessOrEqual(t, len(seg.Data), bound)
				assert.False(t, seg.Uploaded)
			}

			out, err := Reassemble(segments)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, out), "reassembled payload differs")
		})
	}
}

func TestSplit_FourMegabyteChunks(t *testing.T) {
	payload := randomPayload(2_097_152)
	c := New(524_288)

	segments := c.Split("photo-1", payload)
	require.Len(t, segments, 4)

	sizes := make([]int, 0, len(segments))
	for _, seg := range segments {
		sizes = append(sizes, len(seg.Data))
	}

	assert.Equal(t, []int{524288, 524288, 524288, 524288}, sizes)

	out, err := Reassemble(segments)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestSplit_FinalSegmentShort(t *testing.T) {
	c := New(4)
	segments := c.Split("x", []byte("abcdefghij"))
	require.Len(t, segments, 3)
	assert.Equal(t, []byte("ij"), segments[2].Data)
}

func TestSplit_CopiesData(t *testing.T) {
	payload := []byte("abcdefgh")
	segments := New(4).Split("x", payload)
	payload[0] = 'Z'
	assert.Equal(t, []byte("abcd"), segments[0].Data)
}

func TestReassemble_OutOfOrder(t *testing.T) {
	c := New(3)
	segments := c.Split("x", []byte("abcdefgh"))
	segments[0], segments[2] = segments[2], segments[0]

	out, err := Reassemble(segments)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), out)
}

func TestReassemble_Gap(t *testing.T) {
	c := New(2)
	segments := c.Split("x", []byte("abcdefgh"))
	segments = append(segments[:1], segments[2:]...)

	out, err := Reassemble(segments)
	assert.Nil(t, out)

	var corrupt *apperrors.CorruptChunkError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "x", corrupt.ItemID)
	assert.Equal(t, []int{1}, corrupt.Missing)
}

func TestReassemble_MissingFirst(t *testing.T) {
	c := New(2)
	segments := c.Split("x", []byte("abcdef"))

	_, err := Reassemble(segments[1:])

	var corrupt *apperrors.CorruptChunkError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, []int{0}, corrupt.Missing)
}

func TestReassemble_Duplicate(t *testing.T) {
	c := New(2)
	segments := c.Split("x", []byte("abcd"))
	segments = append(segments, segments[0])

	_, err := Reassemble(segments)

	var corrupt *apperrors.CorruptChunkError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, []int{0}, corrupt.Duplicate)
}

func TestReassemble_DigestMismatch(t *testing.T) {
	c := New(2)
	segments := c.Split("x", []byte("abcd"))
	segments[1].Data = []byte("zz")

	_, err := Reassemble(segments)

	var corrupt *apperrors.CorruptChunkError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, []int{1}, corrupt.Mismatch)
}

func TestReassemble_NoDigestAccepted(t *testing.T) {
	segments := []models.ChunkSegment{
		{ItemID: "x", Index: 1, Data: []byte("cd")},
		{ItemID: "x", Index: 0, Data: []byte("ab")},
	}

	out, err := Reassemble(segments)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), out)
}

func TestReassembleN_MissingTail(t *testing.T) {
	c := New(2)
	segments := c.Split("x", []byte("abcdef"))

	_, err := ReassembleN("x", 3, segments[:2])

	var corrupt *apperrors.CorruptChunkError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, []int{2}, corrupt.Missing)
}

func TestReassembleN_UnexpectedIndex(t *testing.T) {
	c := New(2)
	segments := c.Split("x", []byte("abcdef"))

	_, err := ReassembleN("x", 2, segments)

	var corrupt *apperrors.CorruptChunkError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, []int{2}, corrupt.Unexpected)
}

func TestReassembleN_Complete(t *testing.T) {
	c := New(2)
	segments := c.Split("x", []byte("abcdef"))

	out, err := ReassembleN("x", 3, segments)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), out)
}

func TestDigest_Stable(t *testing.T) {
	assert.Equal(t, Digest([]byte("abc")), Digest([]byte("abc")))
	assert.NotEqual(t, Digest([]byte("abc")), Digest([]byte("abd")))
	assert.Len(t, Digest(nil), 64)
}
