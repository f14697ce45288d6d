package ytdlp_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hbomb79/Iris/internal/format"
	"github.com/hbomb79/Iris/internal/ytdlp"
	"github.com/stretchr/testify/assert"
)

const listingPayload = `{
	"id": "abc123",
	"title": "Example Song Video",
	"formats": [
		{"format_id": "sb0", "ext": "mhtml", "vcodec": "none", "acodec": "none"},
		{"format_id": "140", "ext": "m4a", "vcodec": "none", "acodec": "mp4a.40.2", "format_note": "medium", "abr": 129.5},
		{"format_id": "251", "ext": "webm", "vcodec": "none", "acodec": "opus", "format_note": ""},
		{"format_id": "136", "ext": "mp4", "height": 720, "vcodec": "avc1.4d401f", "acodec": "none", "format_note": "720p"},
		{"format_id": "248", "ext": "webm", "height": 1080, "vcodec": "vp9", "acodec": "none", "format_note": "1080p"},
		{"format_id": "399", "ext": "mp4", "height": 1080, "vcodec": "av01.0.08M.08", "acodec": "none", "format_note": "1080p"},
		{"format_id": "18", "ext": "mp4", "height": 360, "vcodec": "avc1.42001E", "acodec": "mp4a.40.2", "format_note": "360p"}
	]
}`

func TestParseListing_MapsCandidatesInOrder(t *testing.T) {
	listing, err := ytdlp.ParseListing([]byte(listingPayload))
	assert.Nil(t, err)
	assert.Equal(t, "Example Song Video", listing.Title)

	// The storyboard entry carries neither stream and must be dropped;
	// the combined a/v entry counts as video.
	assert.Len(t, listing.Candidates, 6)

	assert.Equal(t, "140", listing.Candidates[0].ID)
	assert.Equal(t, format.Audio, listing.Candidates[0].Kind)
	assert.Equal(t, "medium", listing.Candidates[0].QualityLabel)

	assert.Equal(t, "136", listing.Candidates[2].ID)
	assert.Equal(t, format.Video, listing.Candidates[2].Kind)
	assert.Equal(t, 720, listing.Candidates[2].Height)
	assert.Equal(t, format.FamilyAVC, listing.Candidates[2].Family())

	assert.Equal(t, "399", listing.Candidates[4].ID)
	assert.Equal(t, format.FamilyAV1, listing.Candidates[4].Family())
}

func TestParseListing_RejectsGarbage(t *testing.T) {
	_, err := ytdlp.ParseListing([]byte("not json"))
	assert.NotNil(t, err)
}

func TestDownloadArgs_DeterministicAssembly(t *testing.T) {
	client := ytdlp.New(ytdlp.Config{CookiesPath: "/tmp/cookies.txt", ConcurrentFragments: 8})
	args := client.DownloadArgs(ytdlp.DownloadOptions{
		SourceURL:  "https://example.com/v/abc",
		FormatSpec: "399+140",
		WorkDir:    "/work/jobs/deadbeef",
		Title:      "Some Song",
	})

	assert.Equal(t, []string{
		"--no-playlist",
		"--newline",
		"--no-progress",
		"--restrict-filenames",
		"--continue",
		"-N", "8",
		"-f", "399+140",
		"-P", "/work/jobs/deadbeef",
		"-o", "Some Song.%(ext)s",
		"--cookies", "/tmp/cookies.txt",
		"https://example.com/v/abc",
	}, args)

	// Identical options must assemble identically.
	assert.Equal(t, args, client.DownloadArgs(ytdlp.DownloadOptions{
		SourceURL:  "https://example.com/v/abc",
		FormatSpec: "399+140",
		WorkDir:    "/work/jobs/deadbeef",
		Title:      "Some Song",
	}))
}

func TestDownloadArgs_TitleSanitisedForTemplate(t *testing.T) {
	client := ytdlp.New(ytdlp.Config{})
	args := client.DownloadArgs(ytdlp.DownloadOptions{Title: `A/B: 100% "hit"`, FormatSpec: "b", WorkDir: "/w", SourceURL: "u"})

	var template string
	for i, arg := range args {
		if arg == "-o" {
			template = args[i+1]
		}
	}
	assert.Equal(t, "A_B 100 hit.%(ext)s", template)
}

func TestDestinationFromLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected string
		ok       bool
	}{
		{"download destination", "[download] Destination: Some_Song.f399.mp4", "Some_Song.f399.mp4", true},
		{"merger output", `[Merger] Merging formats into "Some_Song.mp4"`, "Some_Song.mp4", true},
		{"already downloaded", "[download] Some_Song.mp4 has already been downloaded", "Some_Song.mp4", true},
		{"progress line", "[download]  42.0% of 10.00MiB at 1.00MiB/s", "", false},
		{"unrelated", "[info] Writing video metadata", "", false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			destination, ok := ytdlp.DestinationFromLine(test.line)
			assert.Equal(t, test.ok, ok)
			assert.Equal(t, test.expected, destination)
		})
	}
}

func TestLocateProduced(t *testing.T) {
	newWorkDir := func(t *testing.T) string {
		dir, err := os.MkdirTemp("", "iris_ytdlp_test")
		assert.Nil(t, err)
		t.Cleanup(func() { os.RemoveAll(dir) })
		return dir
	}

	write := func(t *testing.T, dir, name, content string) string {
		path := filepath.Join(dir, name)
		assert.Nil(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	t.Run("announced path wins when present", func(t *testing.T) {
		dir := newWorkDir(t)
		expected := write(t, dir, "Some_Song.mp4", "data")
		write(t, dir, "Other.mp4", "data")

		located, err := ytdlp.LocateProduced(dir, "Some_Song.mp4", "Completely Different")
		assert.Nil(t, err)
		assert.Equal(t, expected, located)
	})

	t.Run("scan scores by title similarity", func(t *testing.T) {
		dir := newWorkDir(t)
		write(t, dir, "unrelated_clip.mp4", "data")
		expected := write(t, dir, "Some_Great_Song.mp4", "data")
		write(t, dir, "Some_Great_Song.mp4.part", "partial")
		write(t, dir, "Some_Great_Song.info.json", "{}")

		located, err := ytdlp.LocateProduced(dir, "", "Some Great Song")
		assert.Nil(t, err)
		assert.Equal(t, expected, located)
	})

	t.Run("recency breaks ties without a title", func(t *testing.T) {
		dir := newWorkDir(t)
		older := write(t, dir, "first.mp4", "data")
		newer := write(t, dir, "second.mp4", "data")
		past := time.Now().Add(-time.Hour)
		assert.Nil(t, os.Chtimes(older, past, past))

		located, err := ytdlp.LocateProduced(dir, "", "")
		assert.Nil(t, err)
		assert.Equal(t, newer, located)
	})

	t.Run("empty directory", func(t *testing.T) {
		dir := newWorkDir(t)
		_, err := ytdlp.LocateProduced(dir, "", "anything")
		assert.ErrorIs(t, err, ytdlp.ErrNoArtifact)
	})
}
