package digest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestFileMatchesBytes(t *testing.T) {
	p := write(t, t.TempDir(), "a.whl", "wheel-bytes")

	got, err := File(p)
	require.NoError(t, err)
	assert.Equal(t, Bytes([]byte("wheel-bytes")), got)
	assert.Len(t, got, 64)
}

func TestFileMissing(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSameContent(t *testing.T) {
	dir := t.TempDir()
	a := write(t, dir, "a", "same")
	b := write(t, dir, "b", "same")
	c := write(t, dir, "c", "different")

	same, err := SameContent(a, b)
	require.NoError(t, err)
	assert.True(t, same)

	same, err = SameContent(a, c)
	require.NoError(t, err)
	assert.False(t, same)

	same, err = SameContent(a, filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.False(t, same)
}
