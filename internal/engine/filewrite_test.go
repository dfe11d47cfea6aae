package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicWritesBytes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFileAtomic(dir, "message.txt", []byte("hello radio")))

	got, err := os.ReadFile(filepath.Join(dir, "message.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello radio", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp file after a successful write")
}

func TestWriteFileAtomicCreatesDownloadDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "downloads")
	require.NoError(t, writeFileAtomic(dir, "x.bin", []byte{1, 2, 3}))

	got, err := os.ReadFile(filepath.Join(dir, "x.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

// A peer-supplied file name carrying directory components must never
// escape the configured download directory.
func TestWriteFileAtomicStripsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFileAtomic(dir, "../../etc/evil.conf", []byte("x")))

	_, err := os.Stat(filepath.Join(dir, "evil.conf"))
	require.NoError(t, err, "written under the download dir using only the base name")

	_, err = os.Stat(filepath.Join(filepath.Dir(filepath.Dir(dir)), "evil.conf"))
	assert.True(t, os.IsNotExist(err), "must not escape the download dir")
}
