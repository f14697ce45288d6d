// Placement of finished artifacts in to the on-disk media library, and the
// catalog Iris maintains over that library for the gateway.
package library

import (
	"path/filepath"
	"strings"

	"github.com/hbomb79/Iris/internal/job"
	"github.com/hbomb79/Iris/pkg/logger"
)

var log = logger.Get("Library")

type Config struct {
	// Root of the song library. Songs are filed as
	// <root>/<language>/<bucket>/<actor>.
	SongDir string

	// Root of the movie library. Movies are filed as
	// <root>/bollywood or <root>/hollywood.
	MovieDir string

	// Number of top-level subtrees walked concurrently during a
	// catalog rebuild.
	WalkParallelism int

	// Catalog rebuild pacing for serve mode.
	ForceSyncSeconds int
	DebounceSeconds  int
}

type Library struct {
	config Config
}

func New(config Config) *Library {
	return &Library{config: config.withDefaults()}
}

func (config Config) withDefaults() Config {
	if config.WalkParallelism <= 0 {
		config.WalkParallelism = 4
	}
	if config.ForceSyncSeconds <= 0 {
		config.ForceSyncSeconds = 300
	}
	if config.DebounceSeconds <= 0 {
		config.DebounceSeconds = 2
	}

	return config
}

// NormalizeLanguage folds a producer-supplied language in to the library's
// regional folder names. Unrecognised languages pass through untouched
// (beyond whitespace trimming), which keeps the mapping idempotent: a
// value that is already a folder name maps to itself.
func NormalizeLanguage(raw string) string {
	trimmed := strings.TrimSpace(raw)
	switch strings.ToLower(trimmed) {
	case "telugu", "tamil", "kannada", "malayalam":
		return "South"
	case "hindi", "bengali":
		return "Hindi"
	case "english":
		return "English"
	case "marathi":
		return "Marathi"
	case "bhojpuri":
		return "Bhojpuri"
	default:
		return trimmed
	}
}

// BucketForHeight maps a probed stream height to its library bucket.
// Heights beyond the largest tier still file under 4k, with the anomaly
// logged so over-range sources are visible.
func BucketForHeight(height int) string {
	switch {
	case height <= 720:
		return "720p"
	case height <= 1080:
		return "1080p"
	case height <= 1440:
		return "2k"
	case height <= 2160:
		return "4k"
	default:
		log.Warnf("Probed height %d exceeds the largest known tier, filing under 4k\n", height)
		return "4k"
	}
}

// DestinationFor computes the directory an artifact belongs in. Songs
// classify by language, bucket and actor; movies collapse to a
// bollywood/hollywood split keyed on the original language.
func (library *Library) DestinationFor(item *job.Job, height int) string {
	if item.Type == job.Movie {
		folder := "bollywood"
		if strings.EqualFold(strings.TrimSpace(item.Language), "english") {
			folder = "hollywood"
		}

		return filepath.Join(library.config.MovieDir, folder)
	}

	return filepath.Join(
		library.config.SongDir,
		pathSegment(NormalizeLanguage(item.Language)),
		BucketForHeight(height),
		pathSegment(item.Actor),
	)
}

// pathSegment guards against producer-supplied values escaping the
// library root through separators.
func pathSegment(value string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_")
	return strings.TrimSpace(replacer.Replace(value))
}
