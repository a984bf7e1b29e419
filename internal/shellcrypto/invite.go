package shellcrypto

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Invite is the decoded form of an invite code: everything a member
// needs to join a shell out-of-band.
type Invite struct {
	ShellID   string
	Name      string
	SharedKey []byte
	Hints     []string
}

type inviteClaims struct {
	Key   string   `json:"key"`
	Name  string   `json:"name,omitempty"`
	Hints []string `json:"hints,omitempty"`
	jwt.RegisteredClaims
}

// EncodeInvite produces a compact signed token for the invite. The
// token is HMAC-signed with the shared key it carries, so any bit flip
// in the claims or the signature breaks verification at decode time.
func EncodeInvite(inv Invite) (string, error) {
	if inv.ShellID == "" {
		return "", errors.New("invite: shell id required")
	}
	if len(inv.SharedKey) != KeySize {
		return "", fmt.Errorf("invite: shared key must be %d bytes", KeySize)
	}

	claims := inviteClaims{
		Key:   base64.RawURLEncoding.EncodeToString(inv.SharedKey),
		Name:  inv.Name,
		Hints: inv.Hints,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: inv.ShellID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(inv.SharedKey)
	if err != nil {
		return "", fmt.Errorf("sign invite: %w", err)
	}
	return signed, nil
}

// DecodeInvite parses and verifies an invite code. Any corruption,
// truncation or signature mismatch yields ErrInvalidInvite; a partially
// populated Invite is never returned.
func DecodeInvite(code string) (Invite, error) {
	var claims inviteClaims
	token, err := jwt.ParseWithClaims(code, &claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*inviteClaims)
		if !ok {
			return nil, ErrInvalidInvite
		}
		key, err := base64.RawURLEncoding.DecodeString(c.Key)
		if err != nil || len(key) != KeySize {
			return nil, ErrInvalidInvite
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Invite{}, ErrInvalidInvite
	}

	if claims.Subject == "" {
		return Invite{}, ErrInvalidInvite
	}
	key, err := base64.RawURLEncoding.DecodeString(claims.Key)
	if err != nil || len(key) != KeySize {
		return Invite{}, ErrInvalidInvite
	}

	return Invite{
		ShellID:   claims.Subject,
		Name:      claims.Name,
		SharedKey: key,
		Hints:     claims.Hints,
	}, nil
}
