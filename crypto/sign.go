package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
)

// ErrBadKeyMaterial indicates structurally invalid key or signature
// material, as opposed to a signature that simply does not match.
var ErrBadKeyMaterial = errors.New("invalid key or signature material")

// Sign creates an ECDSA signature over the SHA-256 digest of a message.
func Sign(message []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if privateKey == nil {
		return nil, ErrBadKeyMaterial
	}

	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, privateKey, digest[:])
}

// Verify checks if a signature is valid for a message and public key.
//
// A signature that does not match yields (false, nil). Structurally
// invalid inputs (nil key, empty signature) yield (false,
// ErrBadKeyMaterial) so callers can log the two cases differently;
// both must be treated as rejection.
func Verify(message, signature []byte, publicKey *ecdsa.PublicKey) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}
	if publicKey == nil || publicKey.Curve == nil || publicKey.X == nil {
		return false, ErrBadKeyMaterial
	}
	if len(signature) == 0 {
		return false, ErrBadKeyMaterial
	}

	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(publicKey, digest[:], signature), nil
}
