package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineDigestRoundTrip(t *testing.T) {
	d := NewInlineDigest(ObjectBlob, []byte("small value"))
	require.True(t, d.IsInline())
	assert.Equal(t, []byte("small value"), d.InlineContent())

	parsed, err := ParseDigest(d.Bytes())
	require.NoError(t, err)
	assert.True(t, parsed.Equal(d))
	assert.NoError(t, parsed.Verify(nil))
}

func TestHashDigestVerify(t *testing.T) {
	piece := EncodeChunkPiece([]byte("a much larger chunk of content that will not be inlined"))
	d := NewHashDigest(KindChunk, ObjectBlob, piece)
	require.False(t, d.IsInline())

	assert.NoError(t, d.Verify(piece))
	assert.Error(t, d.Verify(append(piece, 'x')))

	parsed, err := ParseDigest(d.Bytes())
	require.NoError(t, err)
	assert.True(t, parsed.Equal(d))
}

func TestDigestEqualDistinguishesKindAndType(t *testing.T) {
	a := NewInlineDigest(ObjectBlob, []byte("x"))
	b := NewInlineDigest(ObjectTreeNode, []byte("x"))
	assert.False(t, a.Equal(b))
}

func TestParseDigestRejectsTruncatedHash(t *testing.T) {
	_, err := ParseDigest([]byte{0x00, 0x01, 0x02})
	assert.Error(t, err)
}
