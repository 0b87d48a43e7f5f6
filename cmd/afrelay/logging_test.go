package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriterRotatesOnceMaxBytesExceeded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "afrelay.log")

	w, err := newRotatingWriter(path, 10, 2)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("12345"))
	require.NoError(t, err)
	_, err = w.Write([]byte("67890"))
	require.NoError(t, err)

	// This write pushes past maxBytes=10, so it must rotate first.
	_, err = w.Write([]byte("rotateme"))
	require.NoError(t, err)

	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "1234567890", string(rotated))

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "rotateme", string(current))
}

func TestRotatingWriterKeepsOnlyConfiguredBackupCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "afrelay.log")

	w, err := newRotatingWriter(path, 1, 1)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		_, err := w.Write([]byte(strings.Repeat("x", 2)))
		require.NoError(t, err)
	}

	_, err = os.Stat(path + ".1")
	require.NoError(t, err)
	_, err = os.Stat(path + ".2")
	assert.True(t, os.IsNotExist(err), "backups beyond the configured count must not accumulate")
}
