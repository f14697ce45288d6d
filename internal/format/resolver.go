package format

import (
	"fmt"
	"strings"

	"github.com/hbomb79/Iris/internal/job"
	"github.com/hbomb79/Iris/pkg/logger"
)

var log = logger.Get("FormatResolver")

// The audio quality label treated as the preferred default tier when the
// source tags its audio candidates.
const preferredAudioLabel = "medium"

// NoUsableFormatsError indicates the candidate listing offered nothing the
// resolver could pair: no video with a known height, or no audio at all.
type NoUsableFormatsError struct {
	Requested  job.Resolution
	VideoCount int
	AudioCount int
}

func (err *NoUsableFormatsError) Error() string {
	return fmt.Sprintf(
		"no usable formats for requested tier %s (%d video / %d audio candidates)",
		err.Requested, err.VideoCount, err.AudioCount)
}

// Resolve selects the video/audio pairing for the requested tier.
//
// Video selection narrows the candidates to a single height group: the
// exact requested height where available, else the nearest height above
// it, else the highest height on offer. Within the group the best-ranked
// encoding family wins, with listing order breaking ties. Audio selection
// prefers the default quality tier where the source labels one, falling
// back to the last-listed audio candidate.
func Resolve(requested job.Resolution, candidates []Candidate) (Selection, error) {
	videos := make([]Candidate, 0, len(candidates))
	audios := make([]Candidate, 0, len(candidates))
	for _, candidate := range candidates {
		switch {
		case candidate.Kind == Video && candidate.Height > 0:
			videos = append(videos, candidate)
		case candidate.Kind == Audio:
			audios = append(audios, candidate)
		}
	}

	if len(videos) == 0 || len(audios) == 0 {
		return Selection{}, &NoUsableFormatsError{Requested: requested, VideoCount: len(videos), AudioCount: len(audios)}
	}

	group := heightGroup(requested.Height(), videos)
	video := preferredVideo(group)
	audio := preferredAudio(audios)

	log.Debugf("Resolved %s -> video %s (%dp %s) + audio %s\n", requested, video.ID, video.Height, video.Family(), audio.ID)
	return Selection{Video: video, Audio: audio}, nil
}

// heightGroup narrows the video candidates to the single height the
// selection will come from.
func heightGroup(requestedHeight int, videos []Candidate) []Candidate {
	exact := make([]Candidate, 0)
	nearestAbove := 0
	maxHeight := 0
	for _, candidate := range videos {
		if candidate.Height == requestedHeight {
			exact = append(exact, candidate)
		}
		if candidate.Height > requestedHeight && (nearestAbove == 0 || candidate.Height < nearestAbove) {
			nearestAbove = candidate.Height
		}
		if candidate.Height > maxHeight {
			maxHeight = candidate.Height
		}
	}

	if len(exact) > 0 {
		return exact
	}

	target := nearestAbove
	if target == 0 {
		target = maxHeight
	}

	group := make([]Candidate, 0)
	for _, candidate := range videos {
		if candidate.Height == target {
			group = append(group, candidate)
		}
	}

	return group
}

func preferredVideo(group []Candidate) Candidate {
	best := group[0]
	for _, candidate := range group[1:] {
		if candidate.Family() < best.Family() {
			best = candidate
		}
	}

	return best
}

func preferredAudio(audios []Candidate) Candidate {
	for _, candidate := range audios {
		if strings.EqualFold(candidate.QualityLabel, preferredAudioLabel) {
			return candidate
		}
	}

	return audios[len(audios)-1]
}
