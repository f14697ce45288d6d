// Format candidate modelling for the download executor. Candidates are
// scraped from the source by the downloader in listing order; the resolver
// picks the pair of streams that best honours the requested tier.
package format

import (
	"fmt"
	"strings"

	"github.com/hbomb79/Iris/internal/job"
)

type (
	CandidateKind  int
	EncodingFamily int

	// Candidate is one stream offered by the source. Video candidates
	// carry a height and encoding string; audio candidates may carry a
	// quality label where the source exposes one.
	Candidate struct {
		ID           string
		Kind         CandidateKind
		Height       int
		Encoding     string
		QualityLabel string
		Extension    string
	}

	// Selection is a resolved video/audio pairing ready to hand to the
	// downloader.
	Selection struct {
		Video Candidate
		Audio Candidate

		// LastResort marks a selection built from the hard-coded
		// fallback ids rather than scraped candidates.
		LastResort bool
	}
)

const (
	Video CandidateKind = iota
	Audio
)

// Encoding families in preference order: the modern codec first, then the
// widely-supported legacy codec, then the alternative, then anything else.
const (
	FamilyAV1 EncodingFamily = iota
	FamilyAVC
	FamilyVP9
	FamilyOther
)

// DefaultLastResortAudioID is the audio format requested when resolution
// finds no usable audio candidates. Overridable via configuration.
const DefaultLastResortAudioID = "140"

func ParseEncodingFamily(encoding string) EncodingFamily {
	cleaned := strings.ToLower(strings.TrimSpace(encoding))
	switch {
	case strings.HasPrefix(cleaned, "av01"):
		return FamilyAV1
	case strings.HasPrefix(cleaned, "avc"), strings.HasPrefix(cleaned, "h264"):
		return FamilyAVC
	case strings.HasPrefix(cleaned, "vp9"), strings.HasPrefix(cleaned, "vp09"):
		return FamilyVP9
	default:
		return FamilyOther
	}
}

func (family EncodingFamily) String() string {
	switch family {
	case FamilyAV1:
		return "av1"
	case FamilyAVC:
		return "avc"
	case FamilyVP9:
		return "vp9"
	default:
		return "other"
	}
}

func (candidate Candidate) Family() EncodingFamily {
	return ParseEncodingFamily(candidate.Encoding)
}

// FormatSpec renders the downloader's stream selection argument.
func (selection Selection) FormatSpec() string {
	return fmt.Sprintf("%s+%s", selection.Video.ID, selection.Audio.ID)
}

// LastResortSelection builds the explicit fallback pairing for the
// requested tier. Used only when resolution failed outright; callers log
// the degradation at warning level. The video id comes from the per-tier
// override map when one is configured, else from the tier's legacy id.
func LastResortSelection(requested job.Resolution, videoIDs map[string]string, audioID string) Selection {
	videoID := requested.LegacyFormatID()
	if override, ok := videoIDs[requested.String()]; ok && override != "" {
		videoID = override
	}

	if audioID == "" {
		audioID = DefaultLastResortAudioID
	}

	return Selection{
		Video:      Candidate{ID: videoID, Kind: Video},
		Audio:      Candidate{ID: audioID, Kind: Audio},
		LastResort: true,
	}
}
