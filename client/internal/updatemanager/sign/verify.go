package sign

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // Using ProtonMail's maintained fork
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
)

// ErrUnsigned is returned for an item that carries no signature
var ErrUnsigned = errors.New("artifact has no recorded signature")

// Verifier checks downloaded artifacts against the signature recorded in the feed
type Verifier struct {
	artifactKeys []PublicKey
	keyring      openpgp.EntityList
}

// NewVerifier creates a verifier trusting the given artifact keys and optional OpenPGP keyring
func NewVerifier(artifactKeys []PublicKey, keyring openpgp.EntityList) *Verifier {
	return &Verifier{
		artifactKeys: artifactKeys,
		keyring:      keyring,
	}
}

// VerifyFile verifies the artifact at path. Any returned error means the artifact must not be trusted.
func (v *Verifier) VerifyFile(path string, sig feed.Signature) error {
	if sig.Empty() {
		return ErrUnsigned
	}

	switch sig.Scheme {
	case feed.SchemeEd25519:
		signature, err := ParseSignature(sig.Data)
		if err != nil {
			return err
		}
		h, err := hashFile(path)
		if err != nil {
			return err
		}
		return validateArtifactHash(v.artifactKeys, h, *signature)
	case feed.SchemeOpenPGP:
		return v.verifyPGP(path, sig.Data)
	default:
		return fmt.Errorf("unsupported signature scheme %q", sig.Scheme)
	}
}

func (v *Verifier) verifyPGP(path string, signature []byte) error {
	if len(v.keyring) == 0 {
		return errors.New("no OpenPGP keyring configured")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			log.Warnf("error closing artifact %q: %v", path, cerr)
		}
	}()

	// Verify signature (try armored first)
	_, err = openpgp.CheckArmoredDetachedSignature(v.keyring, f, bytes.NewReader(signature), nil)
	if err == nil {
		return nil
	}

	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		return fmt.Errorf("rewind artifact: %w", serr)
	}
	if _, err := openpgp.CheckDetachedSignature(v.keyring, f, bytes.NewReader(signature), nil); err != nil {
		return fmt.Errorf("OpenPGP signature verification failed: %w", err)
	}
	return nil
}

// LoadKeyring reads an armored or binary OpenPGP public keyring
func LoadKeyring(path string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}

	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err == nil {
		return keyring, nil
	}
	keyring, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse keyring: %w", err)
	}
	return keyring, nil
}
