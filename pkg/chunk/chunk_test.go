package chunk

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrips(t *testing.T) {
	rows := bytes.Repeat([]byte("row,row,row;"), 200)

	c := Encode(200, rows)
	assert.EqualValues(t, 200, c.PositionCount())
	assert.Greater(t, c.RetainedSizeInBytes(), uint64(0))

	got, err := Decode(c.Bytes())
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestRetainedSizeTracksCompressedLength(t *testing.T) {
	c := Encode(1, []byte("x"))
	assert.EqualValues(t, len(c.Bytes()), c.RetainedSizeInBytes())
}
