package protocol

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// DecodePublicKey parses a base58 encoded Ed25519 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("protocol: public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// EncodePublicKey renders pub in base58.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base58.Encode(pub)
}

// DecodeSignature parses the wire form of a signature: a JSON array of byte values.
func DecodeSignature(s string) ([]byte, error) {
	var values []int
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		return nil, fmt.Errorf("protocol: decode signature: %w", err)
	}
	sig := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("protocol: signature byte %d out of range: %d", i, v)
		}
		sig[i] = byte(v)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, errors.New("protocol: signature has wrong length")
	}
	return sig, nil
}

// EncodeSignature renders sig as a JSON array of byte values.
func EncodeSignature(sig []byte) string {
	values := make([]int, len(sig))
	for i, b := range sig {
		values[i] = int(b)
	}
	out, _ := json.Marshal(values)
	return string(out)
}

// Verify reports whether signature is a valid detached signature of the
// UTF-8 bytes of message under publicKey. Malformed input yields false.
func Verify(message, publicKey, signature string) bool {
	pub, err := DecodePublicKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := DecodeSignature(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(message), sig)
}

// Sign produces the wire form of a detached signature of message.
func Sign(message string, key ed25519.PrivateKey) string {
	return EncodeSignature(ed25519.Sign(key, []byte(message)))
}
