package job_test

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Iris/internal/job"
	"github.com/hbomb79/Iris/pkg/logger"
	"github.com/stretchr/testify/assert"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

func newParser() *job.Parser {
	return job.NewParser(validator.New(), job.P1080)
}

func TestParse_ValidMessage(t *testing.T) {
	payload := []byte(`{
		"LNG": "Telugu",
		"TITLE": "Some Song",
		"ACT": "Performer",
		"RES": "1080",
		"MP4URL": "https://example.com/v/abc",
		"TYPE": "song",
		"RETRY": 2
	}`)

	parsed, err := newParser().Parse("1700000000000-0", payload)
	assert.Nil(t, err)
	assert.NotNil(t, parsed)

	assert.Equal(t, "1700000000000-0", parsed.MessageID)
	assert.Equal(t, "Telugu", parsed.Language)
	assert.Equal(t, "Some Song", parsed.Title)
	assert.Equal(t, "Performer", parsed.Actor)
	assert.Equal(t, job.P1080, parsed.Resolution)
	assert.Equal(t, job.Song, parsed.Type)
	assert.Equal(t, 2, parsed.RetryCount)
	assert.Equal(t, job.Pending, parsed.State)
	assert.False(t, parsed.Degraded)
}

// The producer emits whatever types its extraction happened to produce;
// numeric RES and stringly RETRY must both decode.
func TestParse_WeaklyTypedFields(t *testing.T) {
	payload := []byte(`{
		"LNG": "Hindi",
		"ACT": "Performer",
		"RES": 720,
		"MP4URL": "https://example.com/v/abc",
		"RETRY": "3"
	}`)

	parsed, err := newParser().Parse("m-1", payload)
	assert.Nil(t, err)
	assert.Equal(t, job.P720, parsed.Resolution)
	assert.Equal(t, 3, parsed.RetryCount)
}

func TestParse_MissingRequiredFields(t *testing.T) {
	payload := []byte(`{"LNG": "Tamil", "MP4URL": "https://example.com/v/abc"}`)

	parsed, err := newParser().Parse("m-2", payload)
	assert.NotNil(t, err)
	assert.NotNil(t, parsed, "field failures must still return the partial job for the retry path")

	var validationErr *job.ValidationError
	assert.True(t, errors.As(err, &validationErr))
	assert.False(t, validationErr.Structural)
	assert.Contains(t, validationErr.Fields, "ACT")
	assert.Contains(t, validationErr.Fields, "RES")
}

func TestParse_RejectsMalformedURL(t *testing.T) {
	payload := []byte(`{"LNG": "Tamil", "ACT": "A", "RES": "720", "MP4URL": "not a url"}`)

	_, err := newParser().Parse("m-3", payload)

	var validationErr *job.ValidationError
	assert.True(t, errors.As(err, &validationErr))
	assert.Contains(t, validationErr.Fields, "MP4URL")
}

func TestParse_StructurallyInvalidPayload(t *testing.T) {
	parsed, err := newParser().Parse("m-4", []byte(`{"LNG": `))
	assert.Nil(t, parsed)

	var validationErr *job.ValidationError
	assert.True(t, errors.As(err, &validationErr))
	assert.True(t, validationErr.Structural)
}

func TestParse_UnrecognisedResolutionDegrades(t *testing.T) {
	payload := []byte(`{"LNG": "Hindi", "ACT": "A", "RES": "480", "MP4URL": "https://example.com/v/abc"}`)

	parsed, err := newParser().Parse("m-5", payload)
	assert.Nil(t, err, "an unlisted tier degrades rather than failing the job")
	assert.Equal(t, job.P1080, parsed.Resolution)
	assert.Equal(t, "480", parsed.RawResolution)
	assert.True(t, parsed.Degraded)
}

func TestParse_ContentTypeHandling(t *testing.T) {
	t.Run("defaults to song", func(t *testing.T) {
		payload := []byte(`{"LNG": "Hindi", "ACT": "A", "RES": "720", "MP4URL": "https://example.com/v/abc"}`)
		parsed, err := newParser().Parse("m-6", payload)
		assert.Nil(t, err)
		assert.Equal(t, job.Song, parsed.Type)
	})

	t.Run("movie recognised case-insensitively", func(t *testing.T) {
		payload := []byte(`{"LNG": "English", "ACT": "A", "RES": "720", "MP4URL": "https://example.com/v/abc", "TYPE": "Movie"}`)
		parsed, err := newParser().Parse("m-7", payload)
		assert.Nil(t, err)
		assert.Equal(t, job.Movie, parsed.Type)
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		payload := []byte(`{"LNG": "English", "ACT": "A", "RES": "720", "MP4URL": "https://example.com/v/abc", "TYPE": "podcast"}`)
		_, err := newParser().Parse("m-8", payload)

		var validationErr *job.ValidationError
		assert.True(t, errors.As(err, &validationErr))
		assert.Contains(t, validationErr.Fields, "TYPE")
	})
}
