package uid

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_RoundTrip(t *testing.T) {
	id := New()
	assert.False(t, id.IsZero())

	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestID_FromUUID(t *testing.T) {
	u := uuid.MustParse("00010203-0405-0607-0809-0a0b0c0d0e0f")
	id := FromUUID(u)
	assert.Equal(t, uint64(0x0001020304050607), id.Hi)
	assert.Equal(t, uint64(0x08090a0b0c0d0e0f), id.Lo)
	assert.Equal(t, "1020304050607-8090a0b0c0d0e0f", id.String())
}

func TestID_ParseErrors(t *testing.T) {
	_, err := Parse("not-hex-zz")
	assert.Error(t, err)

	var zero ID
	assert.True(t, zero.IsZero())
}
