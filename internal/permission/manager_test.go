package permission

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inspectlink/inspectlink/internal/cipher"
)

func newCipher(t *testing.T, passphrase string) *cipher.Cipher {
	t.Helper()

	c, err := cipher.New(passphrase, cipher.Options{ScryptWorkFactor: 10})
	require.NoError(t, err)

	return c
}

func TestSetAuthTokenAuthorizes(t *testing.T) {
	c := newCipher(t, "shared")
	token, err := IssueToken(c, "dev-1", time.Hour, time.Now())
	require.NoError(t, err)

	m := New(c, "dev-1", false, nil)
	require.False(t, m.IsAuthorized())
	require.NoError(t, m.SetAuthToken(token, "dev-1"))
	require.True(t, m.IsAuthorized())

	gotToken, gotDevice, ok := m.Token()
	require.True(t, ok)
	require.Equal(t, token, gotToken)
	require.Equal(t, "dev-1", gotDevice)

	m.Clear()
	require.False(t, m.IsAuthorized())
}

func TestSetAuthTokenFailures(t *testing.T) {
	c := newCipher(t, "shared")
	other := newCipher(t, "other")
	now := time.Now()

	valid, err := IssueToken(c, "dev-1", time.Hour, now)
	require.NoError(t, err)
	foreign, err := IssueToken(other, "dev-1", time.Hour, now)
	require.NoError(t, err)
	expired, err := IssueToken(c, "dev-1", time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	forOther, err := IssueToken(c, "dev-2", time.Hour, now)
	require.NoError(t, err)

	tests := []struct {
		name     string
		token    string
		deviceID string
		want     error
	}{
		{name: "missing", token: "", deviceID: "dev-1", want: ErrTokenMissing},
		{name: "garbage", token: "not-a-token", deviceID: "dev-1", want: ErrTokenInvalid},
		{name: "wrong passphrase", token: foreign, deviceID: "dev-1", want: ErrTokenInvalid},
		{name: "expired", token: expired, deviceID: "dev-1", want: ErrTokenExpired},
		{name: "token bound elsewhere", token: valid, deviceID: "dev-2", want: ErrDeviceMismatch},
		{name: "reported device differs from own", token: forOther, deviceID: "dev-2", want: ErrDeviceMismatch},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := New(c, "dev-1", false, nil)
			require.NoError(t, m.SetAuthToken(valid, "dev-1"))

			err := m.SetAuthToken(tc.token, tc.deviceID)
			require.ErrorIs(t, err, tc.want)
			require.NotEmpty(t, err.Error())
			require.False(t, m.IsAuthorized(), "failed validation must revoke authorization")
		})
	}
}

func TestIgnoreDeviceIDCheckToleratesMismatch(t *testing.T) {
	c := newCipher(t, "shared")
	token, err := IssueToken(c, "dev-2", 0, time.Now())
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	m := New(c, "dev-1", true, logger)
	require.Contains(t, logs.String(), "device identifier check disabled")

	require.NoError(t, m.SetAuthToken(token, "dev-2"))
	require.True(t, m.IsAuthorized())
	require.True(t, strings.Contains(logs.String(), "mismatch tolerated"))
}

func TestTokenClaimsExpired(t *testing.T) {
	now := time.UnixMilli(10_000)

	require.False(t, TokenClaims{}.Expired(now))
	require.False(t, TokenClaims{ExpiresAtUnixMs: 10_001}.Expired(now))
	require.True(t, TokenClaims{ExpiresAtUnixMs: 10_000}.Expired(now))
}

func TestIssueTokenRequiresDevice(t *testing.T) {
	_, err := IssueToken(newCipher(t, "shared"), "", 0, time.Now())
	require.Error(t, err)
}
