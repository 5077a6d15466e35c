package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMintAndValidate(t *testing.T) {
	a, err := NewIssuer(nil)
	require.NoError(t, err)

	tok, err := a.Mint("pilot", time.Hour, now)
	require.NoError(t, err)

	claims, err := a.Validate(tok, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "pilot", claims.Name)
	assert.Equal(t, "pilot", claims.Subject)

	_, err = a.Validate(tok, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	a, err := NewIssuerHex("00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	b, err := NewIssuer([]byte("another secret"))
	require.NoError(t, err)

	tok, err := a.Mint("pilot", time.Hour, now)
	require.NoError(t, err)

	_, err = b.Validate(tok, now)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Validate("not a token", now)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMintRejectsBadNames(t *testing.T) {
	a, err := NewIssuer(nil)
	require.NoError(t, err)

	for _, name := range []string{"", "x", "  y ", "a-name-that-is-far-too-long"} {
		_, err := a.Mint(name, time.Hour, now)
		assert.Error(t, err, name)
	}
}

func TestCheckExpiry(t *testing.T) {
	a, err := NewIssuer(nil)
	require.NoError(t, err)
	tok, err := a.Mint("pilot", time.Hour, now)
	require.NoError(t, err)

	assert.NoError(t, CheckExpiry(tok, now))
	assert.NoError(t, CheckExpiry("", now))
	assert.ErrorIs(t, CheckExpiry(tok, now.Add(time.Hour)), ErrTokenExpired)
	assert.ErrorIs(t, CheckExpiry("garbage", now), ErrInvalidToken)
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "none", Fingerprint(""))
	fp := Fingerprint("abc")
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, Fingerprint("abc"))
	assert.NotEqual(t, fp, Fingerprint("abd"))
}

func TestAttemptLimiter(t *testing.T) {
	l := NewAttemptLimiter(time.Minute, 2)
	assert.True(t, l.Allow("1.2.3.4", now))
	assert.True(t, l.Allow("1.2.3.4", now))
	assert.False(t, l.Allow("1.2.3.4", now))
	assert.True(t, l.Allow("5.6.7.8", now))
	assert.True(t, l.Allow("1.2.3.4", now.Add(2*time.Minute)))
}

func TestGenerateSecret(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 2*secretLen)

	issuer, err := NewIssuerHex(secret)
	require.NoError(t, err)
	token, err := issuer.Mint("pilot", time.Hour, time.Now())
	require.NoError(t, err)
	_, err = issuer.Validate(token, time.Now())
	assert.NoError(t, err)
}
