package system

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_LocalAppVersion(t *testing.T) {
	got, err := NewDetector().GetInfo(context.TODO())
	require.NoError(t, err)
	assert.Equal(t, "development", got.AppVersion)
	assert.Equal(t, runtime.GOOS, got.GoOS)
	assert.Positive(t, got.CPUs)
}

func Test_HostOSVersion(t *testing.T) {
	v, err := NewDetector().HostOSVersion(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, v)
}

func Test_StaticDetector(t *testing.T) {
	var d Detector = StaticDetector("13.4.1")
	v, err := d.HostOSVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "13.4.1", v)
}
