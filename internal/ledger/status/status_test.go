package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(IOError, nil))
}

func TestWrapPreservesCauseAndCode(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(IOError, cause)
	require.Error(t, err)
	assert.True(t, Is(err, IOError))
	assert.False(t, Is(err, NetworkError))
	assert.ErrorIs(t, err, cause)
}

func TestNewHasNoCause(t *testing.T) {
	err := New(KeyNotFound, "no such key")
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Nil(t, se.Err)
	assert.Equal(t, KeyNotFound, Of(err))
}

func TestOfOnPlainError(t *testing.T) {
	assert.Equal(t, InternalIOError, Of(errors.New("boom")))
}

func TestOfOnNil(t *testing.T) {
	assert.Equal(t, OK, Of(nil))
}

func TestWrapfMessage(t *testing.T) {
	err := Wrapf(DataIntegrityError, errors.New("crc mismatch"), "piece %x", []byte{0xab})
	assert.Contains(t, err.Error(), "piece ab")
	assert.True(t, Is(err, DataIntegrityError))
}
