// Package crypto implements the cryptographic primitives for the msgsync
// invite protocol.
//
// This package handles identity key pairs, invite signatures, and the
// sealing of conversation tokens so that only the holder of a creator's
// private key material can recover the conversation they refer to.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sig, err := crypto.Sign(payload, keys.Private)
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
)

// PrivateKeySize is the size of the raw private scalar in bytes.
const PrivateKeySize = 32

// KeyPair represents the ECDSA P-256 key pair backing one messaging identity.
type KeyPair struct {
	Public  *ecdsa.PublicKey
	Private *ecdsa.PrivateKey
}

// GenerateKeyPair creates a new random identity key pair.
func GenerateKeyPair() (*KeyPair, error) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  &private.PublicKey,
		Private: private,
	}, nil
}

// FromPrivateKey rebuilds a key pair from stored private key material.
func FromPrivateKey(private *ecdsa.PrivateKey) (*KeyPair, error) {
	if private == nil {
		return nil, errors.New("nil private key")
	}
	if private.D == nil || private.D.Sign() == 0 {
		return nil, errors.New("invalid private key: zero scalar")
	}

	return &KeyPair{
		Public:  &private.PublicKey,
		Private: private,
	}, nil
}

// PrivateKeyMaterial returns the fixed-width raw private scalar. The same
// key always yields the same bytes, which makes it usable as input key
// material for derived symmetric keys.
func (kp *KeyPair) PrivateKeyMaterial() []byte {
	material := make([]byte, PrivateKeySize)
	kp.Private.D.FillBytes(material)
	return material
}
