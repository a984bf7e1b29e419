package shellcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := NewSharedKey()
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "short", plaintext: []byte("hello")},
		{name: "empty", plaintext: []byte{}},
		{name: "binary", plaintext: []byte{0, 1, 2, 255, 254, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := Seal(key, tt.plaintext)
			require.NoError(t, err)
			require.Greater(t, len(sealed), len(tt.plaintext))

			got, err := Open(key, sealed)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, got)
		})
	}
}

func TestOpenWrongKey(t *testing.T) {
	key1, err := NewSharedKey()
	require.NoError(t, err)
	key2, err := NewSharedKey()
	require.NoError(t, err)

	sealed, err := Seal(key1, []byte("payload"))
	require.NoError(t, err)

	_, err = Open(key2, sealed)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestOpenTampered(t *testing.T) {
	key, err := NewSharedKey()
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("payload"))
	require.NoError(t, err)

	for i := range sealed {
		tampered := append([]byte(nil), sealed...)
		tampered[i] ^= 0x01
		_, err := Open(key, tampered)
		assert.ErrorIs(t, err, ErrAuthentication, "flipped bit in byte %d", i)
	}
}

func TestOpenTruncated(t *testing.T) {
	key, err := NewSharedKey()
	require.NoError(t, err)

	_, err = Open(key, []byte("short"))
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestSealRejectsBadKey(t *testing.T) {
	_, err := Seal(make([]byte, 16), []byte("x"))
	require.Error(t, err)
}

func TestFrameKeyDistinctFromSharedKey(t *testing.T) {
	key, err := NewSharedKey()
	require.NoError(t, err)

	frameKey, err := FrameKey(key)
	require.NoError(t, err)
	assert.Len(t, frameKey, KeySize)
	assert.NotEqual(t, key, frameKey)

	// Deterministic.
	again, err := FrameKey(key)
	require.NoError(t, err)
	assert.Equal(t, frameKey, again)
}

func TestFingerprintStable(t *testing.T) {
	key, err := NewSharedKey()
	require.NoError(t, err)

	fp := Fingerprint(key)
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, Fingerprint(key))

	other, err := NewSharedKey()
	require.NoError(t, err)
	assert.NotEqual(t, fp, Fingerprint(other))
}
