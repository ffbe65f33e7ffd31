package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *TokenCodec {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	codec, err := NewTokenCodec(key)
	require.NoError(t, err)
	return codec
}

func TestNewTokenCodec(t *testing.T) {
	t.Run("invalid base64", func(t *testing.T) {
		_, err := NewTokenCodec("not-valid-base64!!!")
		assert.Error(t, err)
	})

	t.Run("wrong key length", func(t *testing.T) {
		_, err := NewTokenCodec(base64.StdEncoding.EncodeToString(make([]byte, 16)))
		assert.ErrorContains(t, err, "32 bytes")
	})
}

func TestSealOpen(t *testing.T) {
	codec := newTestCodec(t)

	sealed, err := codec.Seal("ya29.access-token")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "ya29")

	again, err := codec.Seal("ya29.access-token")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ between seals")

	plain, err := codec.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ya29.access-token", plain)
}

func TestSealEmpty(t *testing.T) {
	codec := newTestCodec(t)

	sealed, err := codec.Seal("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	_, err = codec.Open("")
	assert.ErrorIs(t, err, ErrEmptyCiphertext)
}

func TestOpenWithOtherKey(t *testing.T) {
	sealed, err := newTestCodec(t).Seal("secret")
	require.NoError(t, err)

	_, err = newTestCodec(t).Open(sealed)
	assert.Error(t, err)
}

func TestOpenTruncated(t *testing.T) {
	codec := newTestCodec(t)
	_, err := codec.Open(base64.StdEncoding.EncodeToString([]byte("abc")))
	assert.ErrorContains(t, err, "too short")
}

func TestNilCodecReportsMissingKey(t *testing.T) {
	var codec *TokenCodec

	_, err := codec.Seal("secret")
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = codec.Open("c2VhbGVk")
	assert.ErrorIs(t, err, ErrNoKey)

	sealed, err := codec.Seal("")
	require.NoError(t, err)
	assert.Empty(t, sealed)
}
