package permission

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/inspectlink/inspectlink/internal/wire"
)

// TokenClaims are sealed inside every auth token the inspector issues.
type TokenClaims struct {
	DeviceIdentifier string `cbor:"1,keyasint"`
	IssuedAtUnixMs   int64  `cbor:"2,keyasint"`
	// ExpiresAtUnixMs is zero for tokens that never expire.
	ExpiresAtUnixMs int64  `cbor:"3,keyasint,omitempty"`
	Nonce           []byte `cbor:"4,keyasint"`
}

func (c TokenClaims) Expired(now time.Time) bool {
	return c.ExpiresAtUnixMs != 0 && now.UnixMilli() >= c.ExpiresAtUnixMs
}

type TokenSealer interface {
	SealToken(plaintext []byte) (string, error)
}

type TokenOpener interface {
	OpenToken(token string) ([]byte, error)
}

// IssueToken seals claims binding a token to deviceID. A ttl of zero issues a
// token without expiry.
func IssueToken(sealer TokenSealer, deviceID string, ttl time.Duration, now time.Time) (string, error) {
	if deviceID == "" {
		return "", errors.New("issue token: device identifier is required")
	}

	claims := TokenClaims{
		DeviceIdentifier: deviceID,
		IssuedAtUnixMs:   now.UnixMilli(),
		Nonce:            make([]byte, 16),
	}
	if ttl > 0 {
		claims.ExpiresAtUnixMs = now.Add(ttl).UnixMilli()
	}
	if _, err := rand.Read(claims.Nonce); err != nil {
		return "", fmt.Errorf("issue token: nonce: %w", err)
	}

	raw, err := wire.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("issue token: encode claims: %w", err)
	}

	return sealer.SealToken(raw)
}

func openClaims(opener TokenOpener, token string) (TokenClaims, error) {
	raw, err := opener.OpenToken(token)
	if err != nil {
		return TokenClaims{}, err
	}

	var claims TokenClaims
	if err := wire.Unmarshal(raw, &claims); err != nil {
		return TokenClaims{}, err
	}

	return claims, nil
}
