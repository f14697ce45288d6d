package job_test

import (
	"encoding/json"
	"testing"

	"github.com/hbomb79/Iris/internal/job"
	"github.com/stretchr/testify/assert"
)

func TestParseResolution_MapsKnownTiers(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected job.Resolution
	}{
		{"plain 720", "720", job.P720},
		{"1080 with suffix", "1080p", job.P1080},
		{"padded 1440", "  1440  ", job.P1440},
		{"2160", "2160", job.P2160},
		{"uppercase suffix", "2160P", job.P2160},
		{"unlisted tier", "480", job.ResolutionUnknown},
		{"empty", "", job.ResolutionUnknown},
		{"nonsense", "Full HD", job.ResolutionUnknown},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, job.ParseResolution(test.raw))
		})
	}
}

// Every tier, including the unknown zero value, must map to a bucket and
// a last-resort format id. A hole here would panic deep inside a cycle.
func TestResolutionMappings_AreTotal(t *testing.T) {
	all := []job.Resolution{job.ResolutionUnknown, job.P720, job.P1080, job.P1440, job.P2160}
	for _, res := range all {
		assert.NotEmpty(t, res.Bucket(), "bucket for %s", res)
		assert.NotEmpty(t, res.LegacyFormatID(), "legacy format id for %s", res)
	}

	assert.Equal(t, "720p", job.P720.Bucket())
	assert.Equal(t, "1080p", job.P1080.Bucket())
	assert.Equal(t, "2k", job.P1440.Bucket())
	assert.Equal(t, "4k", job.P2160.Bucket())

	assert.Equal(t, "136", job.P720.LegacyFormatID())
	assert.Equal(t, "137", job.P1080.LegacyFormatID())
	assert.Equal(t, "271", job.P1440.LegacyFormatID())
	assert.Equal(t, "313", job.P2160.LegacyFormatID())
}

func TestIdentityKey_StableAcrossDeliveries(t *testing.T) {
	first := &job.Job{SourceURL: "https://example.com/v/abc", Resolution: job.P1080, Actor: "Some Actor"}
	second := &job.Job{SourceURL: "https://example.com/v/abc", Resolution: job.P1080, Actor: "  some actor "}

	assert.Equal(t, first.IdentityKey(), second.IdentityKey(), "actor casing and padding must not change identity")

	differentTier := &job.Job{SourceURL: "https://example.com/v/abc", Resolution: job.P720, Actor: "Some Actor"}
	assert.NotEqual(t, first.IdentityKey(), differentTier.IdentityKey())
}

func TestEncodeMessage_ProducesCanonicalShape(t *testing.T) {
	subject := &job.Job{
		Title:         "A Song",
		Language:      "Telugu",
		Actor:         "Performer",
		SourceURL:     "https://example.com/v/abc",
		Resolution:    job.P1080,
		RawResolution: "480",
		Type:          job.Song,
		RetryCount:    3,
	}

	encoded, err := subject.EncodeMessage()
	assert.Nil(t, err)

	var decoded map[string]any
	assert.Nil(t, json.Unmarshal(encoded, &decoded))

	assert.Equal(t, "Telugu", decoded["LNG"])
	assert.Equal(t, "Performer", decoded["ACT"])
	assert.Equal(t, "480", decoded["RES"], "producer's original RES value should survive a requeue")
	assert.Equal(t, "https://example.com/v/abc", decoded["MP4URL"])
	assert.Equal(t, "song", decoded["TYPE"])
	assert.Equal(t, float64(3), decoded["RETRY"])
	assert.Equal(t, "A Song", decoded["TITLE"])
}

func TestEncodeMessage_OmitsAbsentTitle(t *testing.T) {
	subject := &job.Job{Language: "Hindi", Actor: "Performer", SourceURL: "https://example.com/v/x", Resolution: job.P720}

	encoded, err := subject.EncodeMessage()
	assert.Nil(t, err)

	var decoded map[string]any
	assert.Nil(t, json.Unmarshal(encoded, &decoded))
	assert.NotContains(t, decoded, "TITLE")
	assert.Equal(t, "720", decoded["RES"], "canonical height used when no raw value was recorded")
}
