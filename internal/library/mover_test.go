package library_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hbomb79/Iris/internal/library"
	"github.com/stretchr/testify/assert"
)

func tempTree(t *testing.T) string {
	dir, err := os.MkdirTemp("", "iris_library_test")
	assert.Nil(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestMove_CreatesDestinationChain(t *testing.T) {
	root := tempTree(t)
	source := filepath.Join(root, "artifact.mp4")
	assert.Nil(t, os.WriteFile(source, []byte("data"), 0o644))

	lib := library.New(library.Config{SongDir: root})
	destDir := filepath.Join(root, "Hindi", "1080p", "Performer")

	placed, err := lib.Move(source, destDir)
	assert.Nil(t, err)
	assert.Equal(t, filepath.Join(destDir, "artifact.mp4"), placed)

	// Move, not copy: the source must be gone.
	_, statErr := os.Stat(source)
	assert.True(t, os.IsNotExist(statErr))

	content, readErr := os.ReadFile(placed)
	assert.Nil(t, readErr)
	assert.Equal(t, "data", string(content))
}

func TestMove_OverwritesCollidingFile(t *testing.T) {
	root := tempTree(t)
	source := filepath.Join(root, "artifact.mp4")
	assert.Nil(t, os.WriteFile(source, []byte("fresh"), 0o644))

	destDir := filepath.Join(root, "dest")
	assert.Nil(t, os.MkdirAll(destDir, 0o755))
	assert.Nil(t, os.WriteFile(filepath.Join(destDir, "artifact.mp4"), []byte("stale"), 0o644))

	lib := library.New(library.Config{SongDir: root})
	placed, err := lib.Move(source, destDir)
	assert.Nil(t, err)

	content, readErr := os.ReadFile(placed)
	assert.Nil(t, readErr)
	assert.Equal(t, "fresh", string(content))
}

func TestMove_MissingSource(t *testing.T) {
	root := tempTree(t)
	lib := library.New(library.Config{SongDir: root})

	_, err := lib.Move(filepath.Join(root, "nope.mp4"), filepath.Join(root, "dest"))
	assert.NotNil(t, err)
}
