package svc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogCommandLinux(t *testing.T) {
	name, args, err := logCommand("linux", LogOptions{ServiceName: "maxiofs-meta", Lines: 20, Follow: true})
	require.NoError(t, err)
	assert.Equal(t, "journalctl", name)
	assert.Equal(t, []string{"-u", "maxiofs-meta", "-n", "20", "--no-pager", "-f"}, args)
}

func TestLogCommandDefaultLines(t *testing.T) {
	_, args, err := logCommand("linux", LogOptions{ServiceName: "maxiofs-meta"})
	require.NoError(t, err)
	assert.Contains(t, args, "50")
	assert.NotContains(t, args, "-f")
}

func TestLogCommandDarwinWithoutFiles(t *testing.T) {
	name, _, err := logCommand("darwin", LogOptions{ServiceName: "maxiofs-meta-test-missing"})
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestLogCommandWindows(t *testing.T) {
	name, args, err := logCommand("windows", LogOptions{ServiceName: "maxiofs-meta", Lines: 5})
	require.NoError(t, err)
	assert.Equal(t, "powershell", name)
	require.Len(t, args, 3)
	assert.Contains(t, args[2], "ProviderName='maxiofs-meta'")
	assert.Contains(t, args[2], "-MaxEvents 5")
}

func TestLogCommandUnsupported(t *testing.T) {
	_, _, err := logCommand("plan9", LogOptions{ServiceName: "maxiofs-meta"})
	assert.ErrorContains(t, err, "not supported on plan9")
}
