package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	message := []byte("invite payload bytes")
	sig, err := Sign(message, keys.Private)
	require.NoError(t, err)

	ok, err := Verify(message, sig, keys.Public)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyFlippedByteFailsWithoutError(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	message := []byte("invite payload bytes")
	sig, err := Sign(message, keys.Private)
	require.NoError(t, err)

	// Flip one byte of the signature body; still syntactically a
	// signature, so Verify must report false rather than error.
	tampered := make([]byte, len(sig))
	copy(tampered, sig)
	tampered[len(tampered)-1] ^= 0x01

	ok, err := Verify(message, tampered, keys.Public)
	assert.NoError(t, err)
	assert.False(t, ok)

	// Same for a flipped payload byte.
	altered := []byte("invite payload byteZ")
	ok, err = Verify(altered, sig, keys.Public)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWrongKeyFails(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	message := []byte("invite payload bytes")
	sig, err := Sign(message, keys.Private)
	require.NoError(t, err)

	ok, err := Verify(message, sig, other.Public)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyStructuralFailures(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = Verify([]byte("msg"), nil, keys.Public)
	assert.ErrorIs(t, err, ErrBadKeyMaterial)

	_, err = Verify([]byte("msg"), []byte{0x30, 0x01, 0x00}, nil)
	assert.ErrorIs(t, err, ErrBadKeyMaterial)
}

func TestSealOpenConversationToken(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	token, err := SealConversationToken("conv-123", "inbox-a", keys.Private)
	require.NoError(t, err)

	id, err := OpenConversationToken(token, "inbox-a", keys.Private)
	require.NoError(t, err)
	assert.Equal(t, "conv-123", id)
}

func TestOpenConversationTokenWrongKey(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	token, err := SealConversationToken("conv-123", "inbox-a", keys.Private)
	require.NoError(t, err)

	_, err = OpenConversationToken(token, "inbox-a", other.Private)
	assert.ErrorIs(t, err, ErrTokenDecode)
}

func TestOpenConversationTokenWrongCreator(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	token, err := SealConversationToken("conv-123", "inbox-a", keys.Private)
	require.NoError(t, err)

	_, err = OpenConversationToken(token, "inbox-b", keys.Private)
	assert.ErrorIs(t, err, ErrTokenDecode)
}

func TestOpenConversationTokenTruncated(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = OpenConversationToken([]byte("short"), "inbox-a", keys.Private)
	assert.ErrorIs(t, err, ErrTokenDecode)
}

func TestPrivateKeyMaterialStable(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	first := keys.PrivateKeyMaterial()
	second := keys.PrivateKeyMaterial()
	assert.Equal(t, first, second)
	assert.Len(t, first, PrivateKeySize)
}
