package shellcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInvite(t *testing.T) Invite {
	t.Helper()
	key, err := NewSharedKey()
	require.NoError(t, err)
	return Invite{
		ShellID:   "11111111-2222-3333-4444-555555555555",
		Name:      "alpha",
		SharedKey: key,
		Hints:     []string{"203.0.113.7:7450", "[2001:db8::1]:7450"},
	}
}

func TestInviteRoundTrip(t *testing.T) {
	inv := testInvite(t)

	code, err := EncodeInvite(inv)
	require.NoError(t, err)
	require.NotEmpty(t, code)

	got, err := DecodeInvite(code)
	require.NoError(t, err)
	assert.Equal(t, inv, got)
}

func TestInviteRoundTripMinimal(t *testing.T) {
	inv := testInvite(t)
	inv.Name = ""
	inv.Hints = nil

	code, err := EncodeInvite(inv)
	require.NoError(t, err)

	got, err := DecodeInvite(code)
	require.NoError(t, err)
	assert.Equal(t, inv, got)
}

func TestDecodeInviteBitFlips(t *testing.T) {
	inv := testInvite(t)
	code, err := EncodeInvite(inv)
	require.NoError(t, err)

	// Flip one bit at a time across the token; every mutation must be
	// rejected deterministically.
	for i := 0; i < len(code); i++ {
		for bit := uint(0); bit < 8; bit++ {
			mutated := []byte(code)
			mutated[i] ^= 1 << bit
			if string(mutated) == code {
				continue
			}
			_, err := DecodeInvite(string(mutated))
			assert.ErrorIs(t, err, ErrInvalidInvite,
				"bit %d of byte %d flipped", bit, i)
		}
	}
}

func TestDecodeInviteGarbage(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{name: "empty", code: ""},
		{name: "not a token", code: "definitely not an invite"},
		{name: "truncated", code: "eyJhbGciOiJIUzI1NiJ9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInvite(tt.code)
			require.ErrorIs(t, err, ErrInvalidInvite)
		})
	}
}

func TestEncodeInviteValidation(t *testing.T) {
	inv := testInvite(t)
	inv.ShellID = ""
	_, err := EncodeInvite(inv)
	require.Error(t, err)

	inv = testInvite(t)
	inv.SharedKey = inv.SharedKey[:16]
	_, err = EncodeInvite(inv)
	require.Error(t, err)
}
