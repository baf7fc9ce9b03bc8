package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mr-tron/base58"
)

// PublicKey is a validator identity.
type PublicKey []byte

func (k PublicKey) String() string {
	return base58.Encode(k)
}

func (k PublicKey) Equal(other PublicKey) bool {
	return len(k) == ed25519.PublicKeySize && bytes.Equal(k, other)
}

// LoadKeypair reads a keypair file in the validator CLI format: a JSON array of
// 64 byte values, the ed25519 seed followed by the public key.
func LoadKeypair(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableKey, path, err)
	}

	var raw []int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableKey, path, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: %s: %d bytes, want %d", ErrUnreadableKey, path, len(raw), ed25519.PrivateKeySize)
	}

	buf := make([]byte, len(raw))
	for i, v := range raw {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: %s: byte %d out of range", ErrUnreadableKey, path, i)
		}
		buf[i] = byte(v)
	}

	priv := ed25519.NewKeyFromSeed(buf[:ed25519.SeedSize])
	if !bytes.Equal(priv[ed25519.SeedSize:], buf[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("%w: %s: public key does not match seed", ErrUnreadableKey, path)
	}
	return priv, nil
}

// LoadPublicKey loads a keypair file and returns its public half.
func LoadPublicKey(path string) (PublicKey, error) {
	priv, err := LoadKeypair(path)
	if err != nil {
		return nil, err
	}
	return PublicKey(priv.Public().(ed25519.PublicKey)), nil
}

// WriteKeypair stores priv in the format LoadKeypair reads.
func WriteKeypair(path string, priv ed25519.PrivateKey) error {
	raw := make([]int, len(priv))
	for i, b := range priv {
		raw[i] = int(b)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
