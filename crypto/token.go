package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// NonceSize is the size of a secretbox nonce in bytes.
const NonceSize = 24

// Nonce is a 24-byte value used for token sealing.
type Nonce [NonceSize]byte

// Maximum token plaintext size; conversation ids are short, anything
// larger is malformed input.
const maxTokenSize = 4096

// tokenInfo domain-separates the derived sealing key from any other use
// of the same private key material.
var tokenInfo = []byte("msgsync/v1 conversation token")

// ErrTokenDecode indicates a token that was not produced for this
// creator/private-key pair, or that has been tampered with.
var ErrTokenDecode = errors.New("conversation token decode failed")

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// deriveTokenKey derives the symmetric sealing key from the creator's
// private key material, salted with the creator inbox id. A token sealed
// for one creator can never be opened under another creator's id.
func deriveTokenKey(creatorInboxID string, privateKey *ecdsa.PrivateKey) ([32]byte, error) {
	var key [32]byte
	if privateKey == nil || privateKey.D == nil {
		return key, ErrBadKeyMaterial
	}
	if creatorInboxID == "" {
		return key, errors.New("empty creator inbox id")
	}

	material := make([]byte, PrivateKeySize)
	privateKey.D.FillBytes(material)

	kdf := hkdf.New(sha256.New, material, []byte(creatorInboxID), tokenInfo)
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// SealConversationToken encrypts a conversation id so that only the
// holder of the creator's private key material can recover it. The
// returned token is nonce-prefixed.
func SealConversationToken(conversationID, creatorInboxID string, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	if conversationID == "" {
		return nil, errors.New("empty conversation id")
	}
	if len(conversationID) > maxTokenSize {
		return nil, errors.New("conversation id too large")
	}

	key, err := deriveTokenKey(creatorInboxID, privateKey)
	if err != nil {
		return nil, err
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	sealed := secretbox.Seal(nonce[:], []byte(conversationID), (*[NonceSize]byte)(&nonce), &key)
	return sealed, nil
}

// OpenConversationToken decrypts a nonce-prefixed conversation token.
// It fails with ErrTokenDecode if the token was not produced for this
// creator/private-key pair.
func OpenConversationToken(token []byte, creatorInboxID string, privateKey *ecdsa.PrivateKey) (string, error) {
	if len(token) <= NonceSize {
		return "", ErrTokenDecode
	}

	key, err := deriveTokenKey(creatorInboxID, privateKey)
	if err != nil {
		return "", err
	}

	var nonce Nonce
	copy(nonce[:], token[:NonceSize])

	plain, ok := secretbox.Open(nil, token[NonceSize:], (*[NonceSize]byte)(&nonce), &key)
	if !ok {
		return "", ErrTokenDecode
	}

	return string(plain), nil
}
