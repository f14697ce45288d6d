package ytdlp

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

var ErrNoArtifact = errors.New("no produced artifact found in work directory")

// Partial or bookkeeping files the downloader leaves beside the artifact.
var skippedExtensions = map[string]struct{}{
	".part": {},
	".ytdl": {},
	".tmp":  {},
	".json": {},
}

// LocateProduced finds the artifact a finished download run left in the
// work directory. The path announced by the tool is trusted when it still
// exists; otherwise the directory is scanned, scoring entries by name
// similarity to the expected title with recency breaking ties.
func LocateProduced(workDir string, announcedPath string, wantTitle string) (string, error) {
	if announcedPath != "" {
		resolved := announcedPath
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(workDir, resolved)
		}
		if usableArtifact(resolved) {
			return resolved, nil
		}
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		return "", err
	}

	metric := metrics.NewJaroWinkler()
	var bestPath string
	var bestScore float64 = -1
	var bestModTime time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(workDir, entry.Name())
		if !usableArtifact(path) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		score := 0.0
		if wantTitle != "" {
			base := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
			score = strutil.Similarity(strings.ToLower(base), strings.ToLower(wantTitle), metric)
		}

		if score > bestScore || (score == bestScore && info.ModTime().After(bestModTime)) {
			bestPath = path
			bestScore = score
			bestModTime = info.ModTime()
		}
	}

	if bestPath == "" {
		return "", ErrNoArtifact
	}

	return bestPath, nil
}

func usableArtifact(path string) bool {
	if _, skipped := skippedExtensions[strings.ToLower(filepath.Ext(path))]; skipped {
		return false
	}

	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}
