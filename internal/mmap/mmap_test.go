package mmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapAnon(t *testing.T) {
	r, err := MapAnon(1 << 16)
	require.NoError(t, err)

	b := r.Bytes()
	require.Len(t, b, 1<<16)
	assert.Equal(t, 1<<16, r.Size())

	// Fresh anonymous pages read as zero and are writable.
	assert.Zero(t, b[0])
	assert.Zero(t, b[len(b)-1])
	b[0] = 0xAB
	b[len(b)-1] = 0xCD
	assert.Equal(t, byte(0xAB), r.Bytes()[0])
	assert.Equal(t, byte(0xCD), r.Bytes()[len(b)-1])

	require.NoError(t, r.Release())
	assert.Nil(t, r.Bytes())
	require.NoError(t, r.Release())
}

func TestMapAnonRejectsBadSize(t *testing.T) {
	_, err := MapAnon(0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = MapAnon(-1)
	assert.ErrorIs(t, err, ErrInvalidSize)
}
