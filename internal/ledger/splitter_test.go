package ledger

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitterInlinesSmallValues(t *testing.T) {
	f := NewObjectIdentifierFactory()
	s := NewSplitter(ObjectBlob, nil, f, 0, 0)

	events, root, err := s.Split(bytes.NewReader([]byte("tiny")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Done)
	assert.True(t, root.Digest.IsInline())
}

func TestSplitterProducesChunksForLargeValues(t *testing.T) {
	f := NewObjectIdentifierFactory()
	s := NewSplitter(ObjectBlob, nil, f, 0, 0)

	data := make([]byte, 300*1024)
	rand.New(rand.NewSource(1)).Read(data)

	events, root, err := s.Split(bytes.NewReader(data))
	require.NoError(t, err)
	require.False(t, root.Digest.IsInline())

	var sawDone bool
	chunkCount := 0
	for _, e := range events {
		if e.Done {
			sawDone = true
			assert.Equal(t, root, e.Root)
			continue
		}
		if e.Kind == KindChunk {
			chunkCount++
		}
	}
	assert.True(t, sawDone)
	assert.Greater(t, chunkCount, 1)
}

func TestSplitterIsDeterministic(t *testing.T) {
	f1 := NewObjectIdentifierFactory()
	f2 := NewObjectIdentifierFactory()
	data := make([]byte, 200*1024)
	rand.New(rand.NewSource(42)).Read(data)

	_, root1, err := NewSplitter(ObjectBlob, nil, f1, 0, 0).Split(bytes.NewReader(data))
	require.NoError(t, err)
	_, root2, err := NewSplitter(ObjectBlob, nil, f2, 0, 0).Split(bytes.NewReader(data))
	require.NoError(t, err)

	assert.True(t, root1.Digest.Equal(root2.Digest))
}

func TestSplitterPermutationChangesBoundaries(t *testing.T) {
	data := make([]byte, 200*1024)
	rand.New(rand.NewSource(7)).Read(data)

	f1 := NewObjectIdentifierFactory()
	_, rootIdentity, err := NewSplitter(ObjectBlob, nil, f1, 0, 0).Split(bytes.NewReader(data))
	require.NoError(t, err)

	f2 := NewObjectIdentifierFactory()
	scramble := func(v uint64) uint64 { return v ^ 0xdeadbeefcafef00d }
	_, rootScrambled, err := NewSplitter(ObjectBlob, scramble, f2, 0, 0).Split(bytes.NewReader(data))
	require.NoError(t, err)

	assert.False(t, rootIdentity.Digest.Equal(rootScrambled.Digest))
}
