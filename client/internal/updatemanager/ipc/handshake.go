package ipc

import (
	goversion "github.com/hashicorp/go-version"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
	"github.com/netbirdio/selfupdate/version"
)

// CheckProtocol accepts a peer whose protocol version satisfies the supported range
func CheckProtocol(peer string) error {
	constraint, err := goversion.NewConstraint(version.SupportedProtocols)
	if err != nil {
		return status.Wrap(status.InvalidState, err, "invalid protocol constraint")
	}

	v, err := goversion.NewVersion(peer)
	if err != nil {
		return status.Errorf(status.InvalidState, "malformed protocol version %q", peer)
	}
	if !constraint.Check(v) {
		return status.Errorf(status.InvalidState, "protocol version %s is not in %s", v, constraint)
	}
	return nil
}
