// Package invite implements the signed invite token for the msgsync
// join protocol.
//
// An invite is created by a conversation's creator, carried as text
// inside a direct message, and authorizes exactly one recipient check:
// the creator itself verifies the signature and decrypts the embedded
// conversation token when the invite comes back as a join request.
//
// The external encoding is stable for interop with existing clients:
//
//	base64url(payload-bytes) "." base64url(signature-bytes)
//
// where the payload bytes are the fixed binary layout produced by
// Payload.MarshalBinary.
package invite

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/msgsync/crypto"
)

var (
	// ErrInvalidFormat indicates text that is not a well-formed invite.
	ErrInvalidFormat = errors.New("invalid invite format")
	// ErrVerification indicates structurally invalid key or signature
	// material during verification. A wrong-but-well-formed signature
	// is not an error; it is a false verification result.
	ErrVerification = errors.New("invite verification error")
	// ErrDecode indicates a conversation token that was not produced
	// for this creator/private-key pair.
	ErrDecode = errors.New("invite token decode failed")
)

// Payload is the signed portion of an invite.
//
// Binary layout, big-endian:
//
//	[2] creator inbox id length  [n] creator inbox id
//	[2] conversation token length [n] conversation token
//	[2] tag length               [n] tag
//	[8] expiry, unix seconds
type Payload struct {
	CreatorInboxID    string
	ConversationToken []byte
	Tag               string
	ExpiresAt         time.Time
}

// SignedInvite couples a payload with the creator's signature over the
// payload bytes.
type SignedInvite struct {
	Payload   Payload
	Signature []byte
}

const maxFieldLen = math.MaxUint16

// New builds a signed invite for a conversation this identity created.
// The tag is a fresh random value used to correlate the invite with the
// join attempts it produces.
func New(conversationID, creatorInboxID string, expiresAt time.Time, keys *crypto.KeyPair) (*SignedInvite, error) {
	if keys == nil {
		return nil, errors.New("nil key pair")
	}

	token, err := crypto.SealConversationToken(conversationID, creatorInboxID, keys.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to seal conversation token: %w", err)
	}

	payload := Payload{
		CreatorInboxID:    creatorInboxID,
		ConversationToken: token,
		Tag:               uuid.NewString(),
		ExpiresAt:         expiresAt,
	}

	return Sign(payload, keys.Private)
}

// Sign signs a payload, producing a complete invite.
func Sign(payload Payload, privateKey *ecdsa.PrivateKey) (*SignedInvite, error) {
	data, err := payload.MarshalBinary()
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(data, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign invite payload: %w", err)
	}

	return &SignedInvite{Payload: payload, Signature: sig}, nil
}

// MarshalBinary serializes the payload in its stable wire layout.
func (p *Payload) MarshalBinary() ([]byte, error) {
	if len(p.CreatorInboxID) > maxFieldLen || len(p.ConversationToken) > maxFieldLen || len(p.Tag) > maxFieldLen {
		return nil, errors.New("invite field too large")
	}

	var buf bytes.Buffer
	for _, field := range [][]byte{[]byte(p.CreatorInboxID), p.ConversationToken, []byte(p.Tag)} {
		var length [2]byte
		binary.BigEndian.PutUint16(length[:], uint16(len(field)))
		buf.Write(length[:])
		buf.Write(field)
	}

	var expiry [8]byte
	binary.BigEndian.PutUint64(expiry[:], uint64(p.ExpiresAt.Unix()))
	buf.Write(expiry[:])

	return buf.Bytes(), nil
}

// UnmarshalBinary parses the stable wire layout. Trailing bytes are an
// error; the payload must consume its input exactly.
func (p *Payload) UnmarshalBinary(data []byte) error {
	fields := make([][]byte, 3)
	offset := 0
	for i := range fields {
		if offset+2 > len(data) {
			return ErrInvalidFormat
		}
		length := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+length > len(data) {
			return ErrInvalidFormat
		}
		fields[i] = data[offset : offset+length]
		offset += length
	}

	if len(data)-offset != 8 {
		return ErrInvalidFormat
	}
	expiry := int64(binary.BigEndian.Uint64(data[offset:]))

	p.CreatorInboxID = string(fields[0])
	p.ConversationToken = append([]byte(nil), fields[1]...)
	p.Tag = string(fields[2])
	p.ExpiresAt = time.Unix(expiry, 0).UTC()
	return nil
}

// Expired reports whether the invite's expiry has passed.
func (p *Payload) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Encode produces the URL-safe text form carried in direct messages.
func (si *SignedInvite) Encode() (string, error) {
	if len(si.Signature) == 0 {
		return "", errors.New("invite missing signature")
	}

	data, err := si.Payload.MarshalBinary()
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(data) + "." +
		base64.RawURLEncoding.EncodeToString(si.Signature), nil
}

// Parse decodes the URL-safe text form. Text that is not an invite at
// all fails with ErrInvalidFormat; callers treat that as "not a join
// attempt", not as an attack.
func Parse(text string) (*SignedInvite, error) {
	text = strings.TrimSpace(text)
	parts := strings.Split(text, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ErrInvalidFormat
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidFormat
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidFormat
	}

	var payload Payload
	if err := payload.UnmarshalBinary(payloadBytes); err != nil {
		return nil, err
	}

	return &SignedInvite{Payload: payload, Signature: sigBytes}, nil
}

// Verify checks the invite's signature over the payload bytes.
//
// A signature that does not match yields (false, nil); structurally
// invalid key or signature material yields (false, ErrVerification).
// Callers must treat both as rejection but may log them differently.
func (si *SignedInvite) Verify(publicKey *ecdsa.PublicKey) (bool, error) {
	data, err := si.Payload.MarshalBinary()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrVerification, err)
	}

	ok, err := crypto.Verify(data, si.Signature, publicKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return ok, nil
}

// DecodeConversationToken recovers the target conversation id using the
// creator's private key material. Fails with ErrDecode if the token was
// not produced for this creator/private-key pair.
func (si *SignedInvite) DecodeConversationToken(privateKey *ecdsa.PrivateKey) (string, error) {
	id, err := crypto.OpenConversationToken(si.Payload.ConversationToken, si.Payload.CreatorInboxID, privateKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return id, nil
}
