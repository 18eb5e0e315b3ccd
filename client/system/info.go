package system

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/selfupdate/version"
)

// Info is an object that contains machine information
type Info struct {
	GoOS          string
	Platform      string
	Family        string
	OSVersion     string
	KernelVersion string
	KernelArch    string
	Hostname      string
	CPUs          int
	AppVersion    string
}

// Detector reports the version of the host operating system, compared against feed item bounds
type Detector interface {
	HostOSVersion(ctx context.Context) (string, error)
}

// HostDetector implements Detector with gopsutil
type HostDetector struct{}

// NewDetector creates a new host detector
func NewDetector() *HostDetector {
	return &HostDetector{}
}

// GetInfo retrieves the system information
func (d *HostDetector) GetInfo(ctx context.Context) (*Info, error) {
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("host detection cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("host detection failed: %w", err)
	}

	return &Info{
		GoOS:          runtime.GOOS,
		Platform:      hi.Platform,
		Family:        hi.PlatformFamily,
		OSVersion:     hi.PlatformVersion,
		KernelVersion: hi.KernelVersion,
		KernelArch:    hi.KernelArch,
		Hostname:      hi.Hostname,
		CPUs:          runtime.NumCPU(),
		AppVersion:    version.Version(),
	}, nil
}

// HostOSVersion returns the platform version, falling back to the kernel version when the
// platform does not report one
func (d *HostDetector) HostOSVersion(ctx context.Context) (string, error) {
	_, _, platformVersion, err := host.PlatformInformationWithContext(ctx)
	if err == nil && platformVersion != "" {
		return platformVersion, nil
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("host detection cancelled: %w", ctx.Err())
	}
	if err != nil {
		log.Debugf("platform version unavailable, using kernel version: %v", err)
	}

	kernel, kerr := host.KernelVersionWithContext(ctx)
	if kerr != nil {
		return "", fmt.Errorf("host detection failed: %w", kerr)
	}
	return kernel, nil
}

// StaticDetector reports a fixed version, for hosts whose version is supplied by the caller
type StaticDetector string

func (s StaticDetector) HostOSVersion(context.Context) (string, error) {
	return string(s), nil
}
