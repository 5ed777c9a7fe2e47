package spool

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "spool"))
	require.NoError(t, err)
	return s
}

func TestPut(t *testing.T) {
	s := newTestSpool(t)
	data := []byte("hello, image data")

	path, n, err := s.Put(bytes.NewReader(data), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, s.dir, filepath.Dir(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestPutUniquePaths(t *testing.T) {
	s := newTestSpool(t)
	a, _, err := s.Put(strings.NewReader("a"), 0)
	require.NoError(t, err)
	b, _, err := s.Put(strings.NewReader("b"), 0)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPutLimit(t *testing.T) {
	s := newTestSpool(t)

	_, n, err := s.Put(strings.NewReader("12345"), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, _, err = s.Put(strings.NewReader("123456"), 5)
	assert.ErrorIs(t, err, ErrTooLarge)

	// The oversized upload left nothing behind.
	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRemove(t *testing.T) {
	s := newTestSpool(t)
	path, _, err := s.Put(strings.NewReader("delete me"), 0)
	require.NoError(t, err)

	require.NoError(t, s.Remove(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "expected file to be removed")

	// Removing again is idempotent.
	assert.NoError(t, s.Remove(path))
}

func TestRemoveOutsideSpool(t *testing.T) {
	s := newTestSpool(t)
	outside := filepath.Join(t.TempDir(), "keep")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	assert.Error(t, s.Remove(outside))
	assert.Error(t, s.Remove(filepath.Join(s.dir, "..", "keep")))
	_, err := os.Stat(outside)
	assert.NoError(t, err)
}
