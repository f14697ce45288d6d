package format_test

import (
	"errors"
	"testing"

	"github.com/hbomb79/Iris/internal/format"
	"github.com/hbomb79/Iris/internal/job"
	"github.com/stretchr/testify/assert"
)

func video(id string, height int, encoding string) format.Candidate {
	return format.Candidate{ID: id, Kind: format.Video, Height: height, Encoding: encoding}
}

func audio(id string, label string) format.Candidate {
	return format.Candidate{ID: id, Kind: format.Audio, QualityLabel: label}
}

func TestResolve_PrefersExactHeightMatch(t *testing.T) {
	candidates := []format.Candidate{
		video("v-720", 720, "avc1.4d401f"),
		video("v-1080", 1080, "avc1.640028"),
		video("v-1440", 1440, "vp9"),
		audio("a-1", "medium"),
	}

	selection, err := format.Resolve(job.P1080, candidates)
	assert.Nil(t, err)
	assert.Equal(t, "v-1080", selection.Video.ID)
	assert.False(t, selection.LastResort)
}

func TestResolve_FallsBackToNearestHigherHeight(t *testing.T) {
	candidates := []format.Candidate{
		video("v-720", 720, "avc1.4d401f"),
		video("v-2160", 2160, "vp9"),
		video("v-1440", 1440, "vp9"),
		audio("a-1", ""),
	}

	selection, err := format.Resolve(job.P1080, candidates)
	assert.Nil(t, err)
	assert.Equal(t, "v-1440", selection.Video.ID, "smallest height above the request wins over larger overshoots")
}

func TestResolve_FallsBackToHighestAvailable(t *testing.T) {
	candidates := []format.Candidate{
		video("v-360", 360, "avc1"),
		video("v-480", 480, "avc1"),
		audio("a-1", ""),
	}

	selection, err := format.Resolve(job.P1080, candidates)
	assert.Nil(t, err)
	assert.Equal(t, "v-480", selection.Video.ID, "nothing at or above the request leaves the best on offer")
}

func TestResolve_PrefersEncodingFamilyWithinGroup(t *testing.T) {
	candidates := []format.Candidate{
		video("v-vp9", 1080, "vp09.00.40.08"),
		video("v-avc", 1080, "avc1.640028"),
		video("v-av1", 1080, "av01.0.08M.08"),
		audio("a-1", ""),
	}

	selection, err := format.Resolve(job.P1080, candidates)
	assert.Nil(t, err)
	assert.Equal(t, "v-av1", selection.Video.ID)
}

func TestResolve_ListingOrderBreaksFamilyTies(t *testing.T) {
	candidates := []format.Candidate{
		video("v-first", 1080, "avc1.640028"),
		video("v-second", 1080, "avc1.64002a"),
		audio("a-1", ""),
	}

	selection, err := format.Resolve(job.P1080, candidates)
	assert.Nil(t, err)
	assert.Equal(t, "v-first", selection.Video.ID)
}

func TestResolve_AudioSelection(t *testing.T) {
	t.Run("quality tier preferred when labelled", func(t *testing.T) {
		candidates := []format.Candidate{
			video("v-1080", 1080, "avc1"),
			audio("a-low", "low"),
			audio("a-med", "medium"),
			audio("a-high", "high"),
		}

		selection, err := format.Resolve(job.P1080, candidates)
		assert.Nil(t, err)
		assert.Equal(t, "a-med", selection.Audio.ID)
	})

	t.Run("last-listed fallback when unlabelled", func(t *testing.T) {
		candidates := []format.Candidate{
			video("v-1080", 1080, "avc1"),
			audio("a-1", ""),
			audio("a-2", ""),
			audio("a-3", ""),
		}

		selection, err := format.Resolve(job.P1080, candidates)
		assert.Nil(t, err)
		assert.Equal(t, "a-3", selection.Audio.ID)
	})
}

func TestResolve_NoUsableCandidates(t *testing.T) {
	tests := []struct {
		name       string
		candidates []format.Candidate
	}{
		{"empty listing", []format.Candidate{}},
		{"video without audio", []format.Candidate{video("v-1080", 1080, "avc1")}},
		{"audio without video", []format.Candidate{audio("a-1", "medium")}},
		{"video heights unknown", []format.Candidate{video("v-?", 0, "avc1"), audio("a-1", "")}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := format.Resolve(job.P1080, test.candidates)

			var noUsable *format.NoUsableFormatsError
			assert.True(t, errors.As(err, &noUsable))
		})
	}
}

func TestLastResortSelection_UsesLegacyIDs(t *testing.T) {
	selection := format.LastResortSelection(job.P2160, nil, "")
	assert.True(t, selection.LastResort)
	assert.Equal(t, "313", selection.Video.ID)
	assert.Equal(t, "140", selection.Audio.ID)
	assert.Equal(t, "313+140", selection.FormatSpec())

	overridden := format.LastResortSelection(job.P720, nil, "251")
	assert.Equal(t, "136+251", overridden.FormatSpec())
}

func TestLastResortSelection_HonoursVideoOverrides(t *testing.T) {
	overrides := map[string]string{"720p": "398", "2160p": ""}

	selection := format.LastResortSelection(job.P720, overrides, "")
	assert.Equal(t, "398+140", selection.FormatSpec())

	// An empty override entry falls back to the tier's legacy id, as
	// does a tier with no entry at all.
	assert.Equal(t, "313+140", format.LastResortSelection(job.P2160, overrides, "").FormatSpec())
	assert.Equal(t, "137+140", format.LastResortSelection(job.P1080, overrides, "").FormatSpec())
}
