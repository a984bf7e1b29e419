package compression

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	c, err := New(2, true)
	require.NoError(t, err)
	defer c.Close()

	data := bytes.Repeat([]byte("syncshell outfit payload "), 100)
	compressed, applied := c.Compress(data)
	assert.True(t, applied, "repetitive data must compress")
	assert.Less(t, len(compressed), len(data))

	out, err := c.Decompress(compressed, applied)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestSmallPayloadsPassThrough(t *testing.T) {
	c, err := New(2, true)
	require.NoError(t, err)
	defer c.Close()

	data := []byte("tiny")
	out, applied := c.Compress(data)
	assert.False(t, applied)
	assert.Equal(t, data, out)

	back, err := c.Decompress(out, applied)
	require.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestIncompressibleDataPassesThrough(t *testing.T) {
	c, err := New(1, true)
	require.NoError(t, err)
	defer c.Close()

	data := make([]byte, 4096)
	_, err = rand.Read(data)
	require.NoError(t, err)

	out, applied := c.Compress(data)
	assert.False(t, applied, "random bytes do not shrink")
	assert.Equal(t, data, out)
}

func TestZstdFramePayloadRoundTrips(t *testing.T) {
	c, err := New(2, true)
	require.NoError(t, err)
	defer c.Close()

	// A payload that is itself a valid zstd frame must come back
	// byte-identical, not decoded to its inner content.
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	frame := enc.EncodeAll([]byte("inner mod archive contents"), nil)
	require.NoError(t, enc.Close())

	out, applied := c.Compress(frame)
	back, err := c.Decompress(out, applied)
	require.NoError(t, err)
	assert.Equal(t, frame, back)
}

func TestDecompressRejectsCorruptPayload(t *testing.T) {
	c, err := New(2, true)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Decompress([]byte("not a zstd frame"), true)
	require.Error(t, err, "a flagged payload that fails to decode is an error")
}

func TestDisabledStillDecompresses(t *testing.T) {
	c, err := New(3, false)
	require.NoError(t, err)
	defer c.Close()

	data := bytes.Repeat([]byte("x"), 1024)
	out, applied := c.Compress(data)
	assert.False(t, applied)
	assert.Equal(t, data, out)

	// A peer with compression enabled may still send compressed bodies.
	enabled, err := New(2, true)
	require.NoError(t, err)
	defer enabled.Close()
	compressed, applied := enabled.Compress(data)
	require.True(t, applied)

	back, err := c.Decompress(compressed, applied)
	require.NoError(t, err)
	assert.Equal(t, data, back)
}
