package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("abc123").Token()
	require.NoError(t, err)
	assert.Equal(t, "abc123", tok)
}

func writeToken(t *testing.T, path, value string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(value), 0600))
}

func waitToken(t *testing.T, f *FileTokenSource, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if tok, err := f.Token(); err == nil && tok == want {
			return
		}
		select {
		case <-deadline:
			tok, _ := f.Token()
			t.Fatalf("token never became %q (last %q)", want, tok)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFileTokenSourceReadsAndTrims(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeToken(t, path, "  tok-1\n")

	f, err := NewFileTokenSource(path)
	require.NoError(t, err)
	defer f.Close()

	tok, err := f.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}

func TestFileTokenSourceMissingFile(t *testing.T) {
	_, err := NewFileTokenSource(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestFileTokenSourceEmptyToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeToken(t, path, "\n")

	f, err := NewFileTokenSource(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Token()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty token")
}

func TestFileTokenSourceReloadOnRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeToken(t, path, "tok-1")

	f, err := NewFileTokenSource(path)
	require.NoError(t, err)
	defer f.Close()

	writeToken(t, path, "tok-2")
	waitToken(t, f, "tok-2")
}

func TestFileTokenSourceReloadOnAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	writeToken(t, path, "tok-1")

	f, err := NewFileTokenSource(path)
	require.NoError(t, err)
	defer f.Close()

	// Backend agents rotate via write-to-temp then rename over the target.
	tmp := filepath.Join(dir, "token.tmp")
	writeToken(t, tmp, "tok-rotated")
	require.NoError(t, os.Rename(tmp, path))

	waitToken(t, f, "tok-rotated")
}

func TestFileTokenSourceIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	writeToken(t, path, "tok-1")

	f, err := NewFileTokenSource(path)
	require.NoError(t, err)
	defer f.Close()

	writeToken(t, filepath.Join(dir, "other"), "noise")
	time.Sleep(100 * time.Millisecond)

	tok, err := f.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}

func TestFileTokenSourceCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeToken(t, path, "tok-1")

	f, err := NewFileTokenSource(path)
	require.NoError(t, err)

	assert.NoError(t, f.Close())
	assert.NoError(t, f.Close())

	// Last value survives Close.
	tok, err := f.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}
