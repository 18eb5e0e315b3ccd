package driver

import "fmt"

// State of an update cycle
type State int

const (
	StateIdle State = iota
	StateChecking
	StateNoUpdateFound
	StateFound
	StateDownloading
	StateExtracting
	StateReadyToInstall
	StateInstalling
	StateRelaunching
	StateTerminated
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateNoUpdateFound:
		return "no_update_found"
	case StateFound:
		return "found"
	case StateDownloading:
		return "downloading"
	case StateExtracting:
		return "extracting"
	case StateReadyToInstall:
		return "ready_to_install"
	case StateInstalling:
		return "installing"
	case StateRelaunching:
		return "relaunching"
	case StateTerminated:
		return "terminated"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal states end a cycle
func (s State) Terminal() bool {
	switch s {
	case StateNoUpdateFound, StateRelaunching, StateTerminated, StateAborted:
		return true
	default:
		return false
	}
}
