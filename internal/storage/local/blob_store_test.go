// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/csv-harvester/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("AbsentDirIsNotCreatedUntilWrite", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "downloads_csv")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		_, err = os.Stat(dir)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		tempFile, err := os.CreateTemp(t.TempDir(), "testfile")
		require.NoError(t, err)
		require.NoError(t, tempFile.Close())

		_, err = local.New(local.Config{BaseDir: tempFile.Name()})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "downloads_csv")
	store, err := local.New(local.Config{BaseDir: baseDir})
	require.NoError(t, err)

	t.Run("CreatesDirAndReturnsPath", func(t *testing.T) {
		data := []byte("a,b\n1,2\n")
		path, err := store.PutObject(context.Background(), "precos.csv", "text/csv", bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(baseDir, "precos.csv"), path)

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, data, readData)
	})

	t.Run("SameNameOverwrites", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "dup.csv", "text/csv", bytes.NewReader([]byte("first")))
		require.NoError(t, err)
		path, err := store.PutObject(context.Background(), "dup.csv", "text/csv", bytes.NewReader([]byte("second")))
		require.NoError(t, err)

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "second", string(readData))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "text/csv", bytes.NewReader([]byte("data")))
		assert.EqualError(t, err, "path is required")
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.csv", "text/csv", bytes.NewReader([]byte("data")))
		assert.ErrorContains(t, err, "path traversal")
	})

	t.Run("NestedPath", func(t *testing.T) {
		path, err := store.PutObject(context.Background(), "a/b/object.csv", "text/csv", bytes.NewReader([]byte("nested")))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(baseDir, "a/b/object.csv"), path)
	})
}

func TestPutObjectRelativeBaseDir(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	store, err := local.New(local.Config{BaseDir: "downloads_csv"})
	require.NoError(t, err)

	path, err := store.PutObject(context.Background(), "f", "text/csv", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "downloads_csv/f", path)
}
