package task

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestFingerprint_Deterministic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "input.csv", "a,b\n1,2\n")
	writeFile(t, dir, "default_prompt.txt", "do the thing")

	first, err := Fingerprint(dir)
	require.NoError(t, err)
	second, err := Fingerprint(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestFingerprint_ChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "input.csv", "a,b\n1,2\n")

	before, err := Fingerprint(dir)
	require.NoError(t, err)

	writeFile(t, dir, "input.csv", "a,b\n1,3\n")
	after, err := Fingerprint(dir)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestFingerprint_ChangesWithRename(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "input.csv", "a,b\n1,2\n")
	before, err := Fingerprint(dir)
	require.NoError(t, err)

	require.NoError(t, os.Rename(filepath.Join(dir, "input.csv"), filepath.Join(dir, "data.csv")))
	after, err := Fingerprint(dir)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestFingerprint_IgnoresOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "input.csv", "a,b\n1,2\n")
	before, err := Fingerprint(dir)
	require.NoError(t, err)

	writeFile(t, dir, "notes.md", "scratch")
	writeFile(t, dir, "plot.png", "\x89PNG")
	after, err := Fingerprint(dir)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFingerprint_IgnoresSubdirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "input.csv", "a,b\n1,2\n")
	before, err := Fingerprint(dir)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	writeFile(t, filepath.Join(dir, "nested"), "extra.csv", "c\n3\n")
	after, err := Fingerprint(dir)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFingerprint_MissingDirectory(t *testing.T) {
	_, err := Fingerprint(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestFingerprint_EmptyDirectory(t *testing.T) {
	fp, err := Fingerprint(t.TempDir())
	require.NoError(t, err)
	assert.Len(t, fp, 64)
}
