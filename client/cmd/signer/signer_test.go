package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runSigner(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSignAndVerifyArtifact(t *testing.T) {
	dir := t.TempDir()
	privKey := filepath.Join(dir, "artifact.key")
	pubKey := filepath.Join(dir, "artifact.pub")
	bundle := filepath.Join(dir, "bundle.pem")
	artifact := filepath.Join(dir, "app-2.0.tar.gz")
	require.NoError(t, os.WriteFile(artifact, []byte("release payload"), 0o600))

	_, err := runSigner(t, "create-artifact-key", "--artifact-priv-key-file", privKey, "--artifact-pub-key-file", pubKey)
	require.NoError(t, err)

	_, err = runSigner(t, "bundle-pub-keys", "--artifact-pub-key-file", pubKey, "--bundle-pub-key-file", bundle)
	require.NoError(t, err)

	out, err := runSigner(t, "sign-artifact", "--artifact-file", artifact, "--artifact-priv-key-file", privKey)
	require.NoError(t, err)

	m := regexp.MustCompile(`sparkle:edSignature="([^"]+)" length="(\d+)"`).FindStringSubmatch(out)
	require.Len(t, m, 3, "unexpected sign output: %s", out)
	assert.Equal(t, "15", m[2])

	out, err = runSigner(t, "verify-artifact", "--artifact-file", artifact, "--signature", m[1], "--artifact-pub-key-file", bundle)
	require.NoError(t, err)
	assert.Contains(t, out, "signed by a trusted key")

	require.NoError(t, os.WriteFile(artifact, []byte("tampered payload"), 0o600))
	_, err = runSigner(t, "verify-artifact", "--artifact-file", artifact, "--signature", m[1], "--artifact-pub-key-file", bundle)
	require.Error(t, err)
}
