package library_test

import (
	"path/filepath"
	"testing"

	"github.com/hbomb79/Iris/internal/job"
	"github.com/hbomb79/Iris/internal/library"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{"telugu groups south", "telugu", "South"},
		{"tamil groups south", "Tamil", "South"},
		{"kannada groups south", "KANNADA", "South"},
		{"malayalam groups south", "Malayalam", "South"},
		{"hindi canonical", "hindi", "Hindi"},
		{"bengali groups hindi", "Bengali", "Hindi"},
		{"english canonical case", "eNgLiSh", "English"},
		{"marathi canonical case", "marathi", "Marathi"},
		{"bhojpuri canonical case", "BHOJPURI", "Bhojpuri"},
		{"unrecognised passes through", "Punjabi", "Punjabi"},
		{"whitespace trimmed", "  telugu  ", "South"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, library.NormalizeLanguage(test.raw))
		})
	}
}

// Normalising an already-normalised value must be a no-op, otherwise
// repeat placements of the same language would wander between folders.
func TestNormalizeLanguage_Idempotent(t *testing.T) {
	inputs := []string{"telugu", "Hindi", "english", "Punjabi", "South"}
	for _, input := range inputs {
		once := library.NormalizeLanguage(input)
		assert.Equal(t, once, library.NormalizeLanguage(once), "input %q", input)
	}
}

func TestBucketForHeight(t *testing.T) {
	tests := []struct {
		height   int
		expected string
	}{
		{480, "720p"},
		{720, "720p"},
		{721, "1080p"},
		{1080, "1080p"},
		{1081, "2k"},
		{1440, "2k"},
		{1441, "4k"},
		{2160, "4k"},
		{4320, "4k"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, library.BucketForHeight(test.height), "height %d", test.height)
	}
}

func TestDestinationFor_Songs(t *testing.T) {
	lib := library.New(library.Config{SongDir: "/media/songs", MovieDir: "/media/movies"})

	songJob := &job.Job{Type: job.Song, Language: "telugu", Actor: "Some Performer"}
	assert.Equal(t,
		filepath.Join("/media/songs", "South", "1080p", "Some Performer"),
		lib.DestinationFor(songJob, 1080))

	assert.Equal(t,
		filepath.Join("/media/songs", "South", "720p", "Some Performer"),
		lib.DestinationFor(songJob, 608))
}

func TestDestinationFor_Movies(t *testing.T) {
	lib := library.New(library.Config{SongDir: "/media/songs", MovieDir: "/media/movies"})

	bolly := &job.Job{Type: job.Movie, Language: "Hindi", Actor: "Ignored"}
	assert.Equal(t, filepath.Join("/media/movies", "bollywood"), lib.DestinationFor(bolly, 1080))

	holly := &job.Job{Type: job.Movie, Language: "English"}
	assert.Equal(t, filepath.Join("/media/movies", "hollywood"), lib.DestinationFor(holly, 1080))

	// The bollywood/hollywood split keys on the original language, not
	// the normalised grouping.
	marathi := &job.Job{Type: job.Movie, Language: "Marathi"}
	assert.Equal(t, filepath.Join("/media/movies", "bollywood"), lib.DestinationFor(marathi, 1080))
}

func TestDestinationFor_SanitisesPathSegments(t *testing.T) {
	lib := library.New(library.Config{SongDir: "/media/songs"})

	sneaky := &job.Job{Type: job.Song, Language: "hindi", Actor: "a/../../b"}
	destination := lib.DestinationFor(sneaky, 1080)
	assert.Equal(t, filepath.Join("/media/songs", "Hindi", "1080p", "a_.._.._b"), destination)
}
