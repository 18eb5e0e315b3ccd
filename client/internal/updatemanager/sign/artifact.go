package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2s"
)

const (
	algorithmEd25519 = "ed25519"
	hashBlake2s      = "blake2s"

	maxClockSkew            = 5 * time.Minute
	maxArtifactSignatureAge = 10 * 365 * 24 * time.Hour
)

// Signature contains a signature with associated Metadata
type Signature struct {
	Signature []byte    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
	KeyID     KeyID     `json:"key_id"`
	Algorithm string    `json:"algorithm"`
	HashAlgo  string    `json:"hash_algo"`
}

// ParseSignature decodes a JSON signature bundle
func ParseSignature(data []byte) (*Signature, error) {
	var signature Signature
	if err := json.Unmarshal(data, &signature); err != nil {
		return nil, fmt.Errorf("invalid signature bundle: %w", err)
	}
	if signature.Algorithm != algorithmEd25519 || signature.HashAlgo != hashBlake2s {
		return nil, fmt.Errorf("unsupported signature %s/%s", signature.Algorithm, signature.HashAlgo)
	}
	return &signature, nil
}

// ArtifactHash wraps a hash.Hash and counts bytes written
type ArtifactHash struct {
	hash.Hash
	n uint64
}

// NewArtifactHash returns an initialized ArtifactHash using BLAKE2s
func NewArtifactHash() *ArtifactHash {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(err) // Should never happen with nil Key
	}
	return &ArtifactHash{Hash: h}
}

func (ah *ArtifactHash) Write(b []byte) (int, error) {
	n, err := ah.Hash.Write(b)
	ah.n += uint64(n)
	return n, err
}

// Len returns the number of bytes hashed so far
func (ah *ArtifactHash) Len() uint64 {
	return ah.n
}

// message builds the signed payload: hash || length || timestamp
func (ah *ArtifactHash) message(timestamp time.Time) []byte {
	sum := ah.Sum(nil)
	msg := make([]byte, 0, len(sum)+8+8)
	msg = append(msg, sum...)
	msg = binary.LittleEndian.AppendUint64(msg, ah.n)
	msg = binary.LittleEndian.AppendUint64(msg, uint64(timestamp.Unix()))
	return msg
}

// ArtifactKey is a signing Key used to sign artifacts
type ArtifactKey struct {
	PrivateKey
}

func (k ArtifactKey) String() string {
	return fmt.Sprintf(
		"ArtifactKey[ID=%s, CreatedAt=%s, ExpiresAt=%s]",
		k.Metadata.ID,
		k.Metadata.CreatedAt.Format(time.RFC3339),
		k.Metadata.ExpiresAt.Format(time.RFC3339),
	)
}

// GenerateArtifactKey creates a new signing key and returns it with its PEM encoded private and public halves.
// A zero expiration produces a key that never expires.
func GenerateArtifactKey(expiration time.Duration) (*ArtifactKey, []byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	now := time.Now().UTC()
	metadata := KeyMetadata{
		ID:        computeKeyID(pub),
		CreatedAt: now,
	}
	if expiration > 0 {
		metadata.ExpiresAt = now.Add(expiration)
	}

	privPEM, err := encodeKey(tagArtifactPrivate, priv, metadata)
	if err != nil {
		return nil, nil, nil, err
	}
	pubPEM, err := encodeKey(tagArtifactPublic, pub, metadata)
	if err != nil {
		return nil, nil, nil, err
	}

	ak := &ArtifactKey{PrivateKey{Key: priv, Metadata: metadata}}
	return ak, privPEM, pubPEM, nil
}

// ParseArtifactKey decodes a PEM encoded private artifact key
func ParseArtifactKey(privKeyPEM []byte) (ArtifactKey, error) {
	pk, err := parsePrivateKey(privKeyPEM, tagArtifactPrivate)
	if err != nil {
		return ArtifactKey{}, fmt.Errorf("failed to parse artifact Key: %w", err)
	}
	return ArtifactKey{pk}, nil
}

// SignData signs an in-memory artifact
func SignData(artifactKey ArtifactKey, data []byte) ([]byte, error) {
	h := NewArtifactHash()
	if _, err := h.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write artifact hash: %w", err)
	}
	return signArtifactHash(artifactKey, h)
}

// SignFile signs the artifact stored at path
func SignFile(artifactKey ArtifactKey, path string) ([]byte, error) {
	h, err := hashFile(path)
	if err != nil {
		return nil, err
	}
	return signArtifactHash(artifactKey, h)
}

// signArtifactHash signs the hash and length of an artifact with timestamp
func signArtifactHash(key ArtifactKey, h *ArtifactHash) ([]byte, error) {
	if h.Len() == 0 {
		return nil, errors.New("artifact length must be positive, got 0")
	}

	timestamp := time.Now().UTC()
	if key.Metadata.Expired(timestamp) {
		return nil, fmt.Errorf("artifact key expired at %v", key.Metadata.ExpiresAt)
	}

	bundle := Signature{
		Signature: ed25519.Sign(key.Key, h.message(timestamp)),
		Timestamp: timestamp,
		KeyID:     key.Metadata.ID,
		Algorithm: algorithmEd25519,
		HashAlgo:  hashBlake2s,
	}
	return json.Marshal(bundle)
}

// ValidateArtifact checks data against a signature made by one of the given keys
func ValidateArtifact(artifactPubKeys []PublicKey, data []byte, signature Signature) error {
	h := NewArtifactHash()
	if _, err := h.Write(data); err != nil {
		return fmt.Errorf("failed to hash artifact: %w", err)
	}
	return validateArtifactHash(artifactPubKeys, h, signature)
}

func validateArtifactHash(artifactPubKeys []PublicKey, h *ArtifactHash, signature Signature) error {
	// Validate signature timestamp
	now := time.Now().UTC()
	if signature.Timestamp.After(now.Add(maxClockSkew)) {
		err := fmt.Errorf("artifact signature timestamp is in the future: %v", signature.Timestamp)
		log.Debugf("failed to verify signature of artifact: %s", err)
		return err
	}
	if now.Sub(signature.Timestamp) > maxArtifactSignatureAge {
		return fmt.Errorf("artifact signature is too old: %v (created %v)",
			now.Sub(signature.Timestamp), signature.Timestamp)
	}

	msg := h.message(signature.Timestamp)

	// Find matching Key and verify
	for _, keyInfo := range artifactPubKeys {
		if keyInfo.Metadata.ID != signature.KeyID {
			continue
		}
		if keyInfo.Metadata.Expired(signature.Timestamp) {
			return fmt.Errorf("signing Key %s expired at %v, signature from %v",
				signature.KeyID, keyInfo.Metadata.ExpiresAt, signature.Timestamp)
		}

		if ed25519.Verify(keyInfo.Key, msg, signature.Signature) {
			log.Debugf("artifact verified successfully with Key: %s", signature.KeyID)
			return nil
		}
		return fmt.Errorf("signature verification failed for Key %s", signature.KeyID)
	}

	return fmt.Errorf("no signing Key found with ID %s", signature.KeyID)
}

func hashFile(path string) (*ArtifactHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			log.Warnf("error closing artifact %q: %v", path, cerr)
		}
	}()

	h := NewArtifactHash()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("failed to hash artifact: %w", err)
	}
	return h, nil
}
