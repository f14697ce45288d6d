package library

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hbomb79/Iris/pkg/logger"
)

// Move relocates the artifact at sourcePath in to destDir, creating the
// directory chain as needed, and returns the final path. An existing file
// of the same name is overwritten. The source never survives a successful
// move: a plain rename where possible, else (across filesystems) a
// copy-verify-delete.
func (library *Library) Move(sourcePath string, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create destination %s: %w", destDir, err)
	}

	destPath := filepath.Join(destDir, filepath.Base(sourcePath))
	err := os.Rename(sourcePath, destPath)
	if err == nil {
		log.Emit(logger.NEW, "Placed %s\n", destPath)
		return destPath, nil
	}

	if !errors.Is(err, syscall.EXDEV) {
		return "", fmt.Errorf("failed to move %s to %s: %w", sourcePath, destPath, err)
	}

	log.Debugf("Rename of %s crossed filesystems, falling back to copy\n", sourcePath)
	if err := copyVerified(sourcePath, destPath); err != nil {
		return "", err
	}
	if err := os.Remove(sourcePath); err != nil {
		return "", fmt.Errorf("copied %s but failed to remove the source: %w", destPath, err)
	}

	log.Emit(logger.NEW, "Placed %s\n", destPath)
	return destPath, nil
}

// copyVerified copies source to dest, fsyncs, and confirms the byte count
// matches before the caller deletes the source. A short copy removes the
// destination and fails rather than leaving a truncated artifact behind.
func copyVerified(sourcePath string, destPath string) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source %s: %w", sourcePath, err)
	}
	defer source.Close()

	sourceInfo, err := source.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source %s: %w", sourcePath, err)
	}

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create destination %s: %w", destPath, err)
	}

	written, err := io.Copy(dest, source)
	if err == nil {
		err = dest.Sync()
	}
	if closeErr := dest.Close(); err == nil {
		err = closeErr
	}
	if err == nil && written != sourceInfo.Size() {
		err = fmt.Errorf("short copy: wrote %d of %d bytes", written, sourceInfo.Size())
	}

	if err != nil {
		os.Remove(destPath)
		return fmt.Errorf("failed to copy %s to %s: %w", sourcePath, destPath, err)
	}

	return nil
}
