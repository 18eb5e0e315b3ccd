package sign

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	tagArtifactPrivate = "ARTIFACT PRIVATE KEY"
	tagArtifactPublic  = "ARTIFACT PUBLIC KEY"

	metadataHeader = "Metadata"
)

// KeyID is a unique identifier for a Key (first 8 bytes of SHA-256 of public Key)
type KeyID [8]byte

func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalJSON implements json.Marshaler
func (k KeyID) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (k *KeyID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid KeyID %q: %w", s, err)
	}
	if len(raw) != len(k) {
		return fmt.Errorf("invalid KeyID length: %d", len(raw))
	}
	copy(k[:], raw)
	return nil
}

// computeKeyID generates a unique ID from a public Key
func computeKeyID(pub ed25519.PublicKey) KeyID {
	h := sha256.Sum256(pub)
	var id KeyID
	copy(id[:], h[:8])
	return id
}

// KeyMetadata contains versioning and lifecycle information for a Key
type KeyMetadata struct {
	ID        KeyID     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // Optional expiration
}

// Expired reports whether the key is past its optional expiration at t
func (m KeyMetadata) Expired(t time.Time) bool {
	return !m.ExpiresAt.IsZero() && t.After(m.ExpiresAt)
}

// PublicKey wraps a public Key with its Metadata
type PublicKey struct {
	Key      ed25519.PublicKey
	Metadata KeyMetadata
}

// PrivateKey wraps a private Key with its Metadata
type PrivateKey struct {
	Key      ed25519.PrivateKey
	Metadata KeyMetadata
}

// Public returns the matching public half
func (k PrivateKey) Public() PublicKey {
	return PublicKey{
		Key:      k.Key.Public().(ed25519.PublicKey),
		Metadata: k.Metadata,
	}
}

func encodeKey(typeTag string, key []byte, meta KeyMetadata) ([]byte, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key metadata: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:    typeTag,
		Headers: map[string]string{metadataHeader: string(metaJSON)},
		Bytes:   key,
	}), nil
}

// ParsePublicKeys parses a bundle of concatenated PEM encoded artifact public keys
func ParsePublicKeys(bundle []byte) ([]PublicKey, error) {
	var keys []PublicKey
	for len(bundle) > 0 {
		keyInfo, rest, err := parsePublicKey(bundle, tagArtifactPublic)
		if err != nil {
			return nil, err
		}
		keys = append(keys, keyInfo)
		bundle = rest
	}
	if len(keys) == 0 {
		return nil, errors.New("no keys found in bundle")
	}
	return keys, nil
}

// LoadPublicKeys reads a PEM bundle of artifact public keys from disk
func LoadPublicKeys(path string) ([]PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public keys: %w", err)
	}
	return ParsePublicKeys(data)
}

func parsePublicKey(data []byte, typeTag string) (PublicKey, []byte, error) {
	b, rest := pem.Decode(data)
	if b == nil {
		return PublicKey{}, nil, errors.New("failed to decode PEM data")
	}
	if b.Type != typeTag {
		return PublicKey{}, nil, fmt.Errorf("PEM type is %q, want %q", b.Type, typeTag)
	}
	if len(b.Bytes) != ed25519.PublicKeySize {
		return PublicKey{}, nil, errors.New("incorrect Ed25519 public Key size")
	}

	pub := ed25519.PublicKey(b.Bytes)
	var meta KeyMetadata
	if metaStr, ok := b.Headers[metadataHeader]; ok {
		if err := json.Unmarshal([]byte(metaStr), &meta); err != nil {
			return PublicKey{}, nil, fmt.Errorf("invalid key metadata: %w", err)
		}
	}
	meta.ID = computeKeyID(pub) // Always recompute ID

	return PublicKey{Key: pub, Metadata: meta}, bytes.TrimSpace(rest), nil
}

// parsePrivateKey parses a PEM-encoded private Key with Metadata
func parsePrivateKey(data []byte, typeTag string) (PrivateKey, error) {
	b, rest := pem.Decode(data)
	if b == nil {
		return PrivateKey{}, errors.New("failed to decode PEM data")
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return PrivateKey{}, errors.New("trailing PEM data")
	}
	if b.Type != typeTag {
		return PrivateKey{}, fmt.Errorf("PEM type is %q, want %q", b.Type, typeTag)
	}
	if len(b.Bytes) != ed25519.PrivateKeySize {
		return PrivateKey{}, errors.New("incorrect Ed25519 private Key size")
	}

	var meta KeyMetadata
	if metaStr, ok := b.Headers[metadataHeader]; ok {
		_ = json.Unmarshal([]byte(metaStr), &meta)
	}
	priv := ed25519.PrivateKey(b.Bytes)
	meta.ID = computeKeyID(priv.Public().(ed25519.PublicKey))

	return PrivateKey{Key: priv, Metadata: meta}, nil
}
