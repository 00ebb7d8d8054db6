package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFactoryPinsDigestUntilReleased(t *testing.T) {
	f := NewObjectIdentifierFactory()
	d := NewInlineDigest(ObjectBlob, []byte("v"))

	id := f.Make(0, 0, d)
	assert.True(t, f.IsLive(d))

	clone := f.Clone(id)
	assert.Equal(t, 2, f.LiveCount(d))

	id.Release()
	assert.True(t, f.IsLive(d))

	clone.Release()
	assert.False(t, f.IsLive(d))
}

func TestReleaseIsIdempotentOnZeroValue(t *testing.T) {
	var id ObjectIdentifier
	assert.NotPanics(t, func() { id.Release() })
}
