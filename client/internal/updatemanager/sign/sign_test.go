package sign

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // Using ProtonMail's maintained fork
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
)

func writeArtifact(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.tar.gz")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestGenerateArtifactKey_RoundTrip(t *testing.T) {
	key, privPEM, pubPEM, err := GenerateArtifactKey(24 * time.Hour)
	require.NoError(t, err)

	parsed, err := ParseArtifactKey(privPEM)
	require.NoError(t, err)
	assert.Equal(t, key.Metadata.ID, parsed.Metadata.ID)
	assert.Equal(t, key.Key, parsed.Key)
	assert.WithinDuration(t, key.Metadata.ExpiresAt, parsed.Metadata.ExpiresAt, time.Second)

	pubs, err := ParsePublicKeys(pubPEM)
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, key.Public().Key, pubs[0].Key)
	assert.Equal(t, key.Metadata.ID, pubs[0].Metadata.ID)
}

func TestParsePublicKeys_Bundle(t *testing.T) {
	_, _, pub1, err := GenerateArtifactKey(0)
	require.NoError(t, err)
	_, _, pub2, err := GenerateArtifactKey(0)
	require.NoError(t, err)

	keys, err := ParsePublicKeys(append(pub1, pub2...))
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.NotEqual(t, keys[0].Metadata.ID, keys[1].Metadata.ID)

	_, err = ParsePublicKeys([]byte("not pem"))
	assert.Error(t, err)
}

func TestKeyID_JSON(t *testing.T) {
	key, _, _, err := GenerateArtifactKey(0)
	require.NoError(t, err)

	data, err := json.Marshal(key.Metadata.ID)
	require.NoError(t, err)

	var id KeyID
	require.NoError(t, json.Unmarshal(data, &id))
	assert.Equal(t, key.Metadata.ID, id)

	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &id))
}

func TestSignAndValidate(t *testing.T) {
	key, _, _, err := GenerateArtifactKey(0)
	require.NoError(t, err)
	other, _, _, err := GenerateArtifactKey(0)
	require.NoError(t, err)

	data := []byte("release payload")
	sigData, err := SignData(*key, data)
	require.NoError(t, err)

	sig, err := ParseSignature(sigData)
	require.NoError(t, err)

	tests := []struct {
		name    string
		keys    []PublicKey
		data    []byte
		wantErr bool
	}{
		{name: "valid", keys: []PublicKey{key.Public()}, data: data},
		{name: "valid among several keys", keys: []PublicKey{other.Public(), key.Public()}, data: data},
		{name: "tampered", keys: []PublicKey{key.Public()}, data: []byte("release payloaD"), wantErr: true},
		{name: "truncated", keys: []PublicKey{key.Public()}, data: data[:4], wantErr: true},
		{name: "unknown key", keys: []PublicKey{other.Public()}, data: data, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArtifact(tt.keys, tt.data, *sig)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateArtifact_Timestamps(t *testing.T) {
	key, _, _, err := GenerateArtifactKey(0)
	require.NoError(t, err)

	data := []byte("payload")
	sigData, err := SignData(*key, data)
	require.NoError(t, err)
	sig, err := ParseSignature(sigData)
	require.NoError(t, err)

	future := *sig
	future.Timestamp = time.Now().Add(time.Hour)
	assert.ErrorContains(t, ValidateArtifact([]PublicKey{key.Public()}, data, future), "future")

	expired := key.Public()
	expired.Metadata.ExpiresAt = sig.Timestamp.Add(-time.Minute)
	assert.ErrorContains(t, ValidateArtifact([]PublicKey{expired}, data, *sig), "expired")
}

func TestSignData_Empty(t *testing.T) {
	key, _, _, err := GenerateArtifactKey(0)
	require.NoError(t, err)

	_, err = SignData(*key, nil)
	assert.Error(t, err)
}

func TestParseSignature_Rejects(t *testing.T) {
	_, err := ParseSignature([]byte("garbage"))
	assert.Error(t, err)

	_, err = ParseSignature([]byte(`{"algorithm":"rsa","hash_algo":"sha1"}`))
	assert.Error(t, err)
}

func TestVerifier_Ed25519File(t *testing.T) {
	key, _, _, err := GenerateArtifactKey(0)
	require.NoError(t, err)

	data := bytes.Repeat([]byte("0123456789"), 10_000)
	path := writeArtifact(t, data)
	sigData, err := SignFile(*key, path)
	require.NoError(t, err)

	v := NewVerifier([]PublicKey{key.Public()}, nil)
	require.NoError(t, v.VerifyFile(path, feed.Signature{Scheme: feed.SchemeEd25519, Data: sigData}))

	tampered := writeArtifact(t, append(data, '!'))
	assert.Error(t, v.VerifyFile(tampered, feed.Signature{Scheme: feed.SchemeEd25519, Data: sigData}))

	assert.ErrorIs(t, v.VerifyFile(path, feed.Signature{}), ErrUnsigned)
	assert.Error(t, v.VerifyFile(path, feed.Signature{Scheme: "dsa", Data: []byte("x")}))
}

func TestVerifier_OpenPGP(t *testing.T) {
	entity, err := openpgp.NewEntity("Release Bot", "", "release@example.com", nil)
	require.NoError(t, err)

	data := []byte("pgp signed release")
	path := writeArtifact(t, data)

	var armored bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&armored, entity, bytes.NewReader(data), nil))
	var binarySig bytes.Buffer
	require.NoError(t, openpgp.DetachSign(&binarySig, entity, bytes.NewReader(data), nil))

	v := NewVerifier(nil, openpgp.EntityList{entity})
	assert.NoError(t, v.VerifyFile(path, feed.Signature{Scheme: feed.SchemeOpenPGP, Data: armored.Bytes()}))
	assert.NoError(t, v.VerifyFile(path, feed.Signature{Scheme: feed.SchemeOpenPGP, Data: binarySig.Bytes()}))

	tampered := writeArtifact(t, []byte("pgp signed releasE"))
	assert.Error(t, v.VerifyFile(tampered, feed.Signature{Scheme: feed.SchemeOpenPGP, Data: armored.Bytes()}))

	noKeyring := NewVerifier(nil, nil)
	assert.Error(t, noKeyring.VerifyFile(path, feed.Signature{Scheme: feed.SchemeOpenPGP, Data: armored.Bytes()}))
}

func TestLoadKeyring(t *testing.T) {
	entity, err := openpgp.NewEntity("Release Bot", "", "release@example.com", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, entity.Serialize(&buf))
	path := filepath.Join(t.TempDir(), "keyring.gpg")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	keyring, err := LoadKeyring(path)
	require.NoError(t, err)
	require.Len(t, keyring, 1)
	assert.Equal(t, entity.PrimaryKey.KeyId, keyring[0].PrimaryKey.KeyId)

	_, err = LoadKeyring(filepath.Join(t.TempDir(), "missing.gpg"))
	assert.Error(t, err)
}
