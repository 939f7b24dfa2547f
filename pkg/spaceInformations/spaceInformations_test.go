package spaceInformations

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestGetDeviceAndMountPointForMissingSubdirectory(t *testing.T) {
	temp := t.TempDir()
	path := filepath.Join(temp, "some", "sub", "path")

	mountPoint, _, err := GetDeviceAndMountPoint(path)
	if err != nil {
		t.Skipf("no partition information available: %v", err)
	}
	abs, err := filepath.Abs(temp)
	require.NoError(t, err)
	require.True(t, contains(abs, mountPoint), "mount point %q does not cover %q", mountPoint, abs)
}

func TestGetDeviceAndMountPointNotFound(t *testing.T) {
	path := "/a987wgf9a8wgf/path/that/does/not/exist"
	if _, _, err := GetDeviceAndMountPoint(path); err == nil {
		t.Fatalf("expected error for path %q, got nil", path)
	}
}

func TestContains(t *testing.T) {
	cases := []struct {
		path, mount string
		want        bool
	}{
		{"/data/evidence", "/", true},
		{"/data/evidence", "/data", true},
		{"/data/evidence", "/data/", true},
		{"/data", "/data", true},
		{"/database", "/data", false},
		{"/data", "", false},
	}
	for _, c := range cases {
		if got := contains(c.path, c.mount); got != c.want {
			t.Fatalf("contains(%q, %q) = %v, want %v", c.path, c.mount, got, c.want)
		}
	}
}

func TestCalculateDirectorySize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 100), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 50), 0o600))

	size, err := CalculateDirectorySize(dir)
	require.NoError(t, err)
	require.Equal(t, int64(150), size)
}

func TestHasFreeSpace(t *testing.T) {
	dir := t.TempDir()

	ok, _, err := HasFreeSpace(dir, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, free, err := HasFreeSpace(dir, 1<<30)
	require.NoError(t, err)
	require.False(t, ok)
	require.Greater(t, free, 0.0)
}

func TestDisplayDiskUsage(t *testing.T) {
	logger, hook := test.NewNullLogger()
	entry := logrus.NewEntry(logger)

	require.Error(t, DisplayDiskUsage(entry, nil))

	require.NoError(t, DisplayDiskUsage(entry, []string{t.TempDir()}))
	last := hook.LastEntry()
	require.NotNil(t, last)
	require.Equal(t, "Disk usage information for path", last.Message)
	require.Contains(t, last.Data, "free_gb")
}
