package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMountCreatesLogsDir(t *testing.T) {
	dir := t.TempDir()
	l, err := Mount(dir)
	require.NoError(t, err)
	require.DirExists(t, l.LogsDir())
}

func TestLayoutPaths(t *testing.T) {
	l := Layout{Root: "/data"}
	require.Equal(t, "/data/config.json", l.ConfigPath())
	require.Equal(t, "/data/logs/manifest.json", l.ManifestPath())
}

func TestMountFailsOnUnwritableRoot(t *testing.T) {
	_, err := Mount("/proc/self/this-does-not-exist/and-cannot-be-created")
	require.Error(t, err)
}
