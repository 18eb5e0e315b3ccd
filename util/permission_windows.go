package util

import (
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

const (
	securityFlags = windows.OWNER_SECURITY_INFORMATION |
		windows.DACL_SECURITY_INFORMATION |
		windows.PROTECTED_DACL_SECURITY_INFORMATION

	inheritAll = windows.SUB_CONTAINERS_AND_OBJECTS_INHERIT
)

// EnforcePermission makes the directory holding file writable only by the service account and the
// administrators. Users keep read access so an unprivileged host can pick up what the service leaves there.
func EnforcePermission(file string) error {
	dirPath := filepath.Dir(file)

	owner, err := processUser()
	if err != nil {
		return fmt.Errorf("lookup process user: %w", err)
	}

	admins, err := windows.CreateWellKnownSid(windows.WinBuiltinAdministratorsSid)
	if err != nil {
		return err
	}
	users, err := windows.CreateWellKnownSid(windows.WinBuiltinUsersSid)
	if err != nil {
		return err
	}

	dacl, err := windows.ACLFromEntries([]windows.EXPLICIT_ACCESS{
		grant(owner, windows.TRUSTEE_IS_USER, windows.GENERIC_ALL),
		grant(admins, windows.TRUSTEE_IS_WELL_KNOWN_GROUP, windows.GENERIC_ALL),
		grant(users, windows.TRUSTEE_IS_WELL_KNOWN_GROUP, windows.GENERIC_READ|windows.GENERIC_EXECUTE),
	}, nil)
	if err != nil {
		return err
	}

	return windows.SetNamedSecurityInfo(dirPath, windows.SE_FILE_OBJECT, securityFlags, owner, nil, dacl, nil)
}

func grant(sid *windows.SID, trusteeType windows.TRUSTEE_TYPE, mask windows.ACCESS_MASK) windows.EXPLICIT_ACCESS {
	return windows.EXPLICIT_ACCESS{
		AccessPermissions: mask,
		AccessMode:        windows.SET_ACCESS,
		Inheritance:       inheritAll,
		Trustee: windows.TRUSTEE{
			MultipleTrusteeOperation: windows.NO_MULTIPLE_TRUSTEE,
			TrusteeForm:              windows.TRUSTEE_IS_SID,
			TrusteeType:              trusteeType,
			TrusteeValue:             windows.TrusteeValueFromSID(sid),
		},
	}
}

func processUser() (*windows.SID, error) {
	token := windows.GetCurrentProcessToken()

	tu, err := token.GetTokenUser()
	if err != nil {
		return nil, err
	}
	sid, err := tu.User.Sid.Copy()
	if err != nil {
		return nil, err
	}
	log.Debugf("securing service directory for %s", sid)
	return sid, nil
}
