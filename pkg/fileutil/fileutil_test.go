package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateAbsolutePath(t *testing.T) {
	cleaned, err := ValidateAbsolutePath("/tmp/../etc/passwd")
	require.NoError(t, err)
	require.Equal(t, "/etc/passwd", cleaned)

	_, err = ValidateAbsolutePath("relative/path")
	require.Error(t, err)

	_, err = ValidateAbsolutePath("")
	require.Error(t, err)
}

func TestExistenceChecks(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	require.True(t, FileExists(file))
	require.False(t, FileExists(dir))
	require.True(t, DirExists(dir))
	require.False(t, DirExists(file))
}

func TestCopyFileCreatesParents(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	dst := filepath.Join(dir, "nested", "deep", "dst.txt")
	require.NoError(t, CopyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}
