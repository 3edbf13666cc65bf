package agent

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
)

var csvBytes = regexp.MustCompile(`^\d+(\s*,\s*\d+)+$`)

// ParsePrivateKey reads an Ed25519 key given as a JSON byte array, a
// comma-separated byte list or base58. Both 32-byte seeds and 64-byte secret
// keys are accepted.
func ParsePrivateKey(raw string) (ed25519.PrivateKey, error) {
	b, err := keyBytes(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	switch len(b) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	default:
		return nil, fmt.Errorf("agent: unsupported key length %d, expected 32 or 64 bytes", len(b))
	}
}

func keyBytes(s string) ([]byte, error) {
	switch {
	case strings.HasPrefix(s, "["):
		var values []int
		if err := json.Unmarshal([]byte(s), &values); err != nil {
			return nil, fmt.Errorf("agent: key JSON must be an array of bytes: %w", err)
		}
		return toBytes(values)
	case csvBytes.MatchString(s):
		parts := strings.Split(s, ",")
		values := make([]int, len(parts))
		for i, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("agent: key byte %d: %w", i, err)
			}
			values[i] = n
		}
		return toBytes(values)
	default:
		b, err := base58.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("agent: decode base58 key: %w", err)
		}
		return b, nil
	}
}

func toBytes(values []int) ([]byte, error) {
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("agent: key byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// LoadKey parses raw, falling back to a fresh ephemeral key when raw is empty
// or unusable. The validator then signs up as a new identity.
func LoadKey(raw string) ed25519.PrivateKey {
	if strings.TrimSpace(raw) != "" {
		key, err := ParsePrivateKey(raw)
		if err == nil {
			return key
		}
		slog.Warn("invalid private key, using an ephemeral keypair for this session", "error", err)
	} else {
		slog.Warn("no private key configured, using an ephemeral keypair for this session")
	}

	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic("failed to generate ephemeral key: " + err.Error())
	}
	return key
}
