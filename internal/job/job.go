// Job modelling for the acquisition pipeline: the decoded form of a queued
// request, the closed resolution/content enumerations, and the identity key
// used to recognise an asset across repeat deliveries.
package job

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type (
	Resolution  int
	ContentType int
	JobState    int

	Job struct {
		ID         uuid.UUID
		MessageID  string
		Title      string
		Language   string
		Actor      string
		SourceURL  string
		Resolution Resolution

		// RawResolution preserves the RES value exactly as the producer
		// sent it; Resolution may have been degraded to a default tier
		// when this value was unrecognisable.
		RawResolution string
		Degraded      bool

		Type ContentType

		// RawType preserves the TYPE value as sent, so a requeued
		// message carries the producer's original value even when it
		// failed to parse.
		RawType string

		RetryCount int
		State      JobState
		RawPayload []byte
	}
)

const (
	ResolutionUnknown Resolution = iota
	P720
	P1080
	P1440
	P2160
)

const (
	Song ContentType = iota
	Movie
)

const (
	Pending JobState = iota
	Resolving
	Downloading
	Placing
	Succeeded
	Requeued
	DeadLettered
)

// ParseResolution maps a RES value to its tier. Values which do not name
// a known tier (after trimming and an optional trailing 'p') return
// ResolutionUnknown; the caller decides whether that degrades or fails.
func ParseResolution(raw string) Resolution {
	cleaned := strings.TrimSpace(strings.ToLower(raw))
	cleaned = strings.TrimSuffix(cleaned, "p")

	switch cleaned {
	case "720":
		return P720
	case "1080":
		return P1080
	case "1440":
		return P1440
	case "2160":
		return P2160
	default:
		return ResolutionUnknown
	}
}

func (res Resolution) Height() int {
	switch res {
	case P720:
		return 720
	case P1080:
		return 1080
	case P1440:
		return 1440
	case P2160:
		return 2160
	default:
		return 0
	}
}

// Bucket returns the library folder name for this tier. Unknown tiers
// fall back to the 1080p bucket rather than leaving a hole in the mapping.
func (res Resolution) Bucket() string {
	switch res {
	case P720:
		return "720p"
	case P1440:
		return "2k"
	case P2160:
		return "4k"
	case P1080:
		fallthrough
	default:
		return "1080p"
	}
}

// LegacyFormatID returns the last-resort downloader video format id for
// this tier, used when format resolution finds nothing usable.
func (res Resolution) LegacyFormatID() string {
	switch res {
	case P720:
		return "136"
	case P1440:
		return "271"
	case P2160:
		return "313"
	case P1080:
		fallthrough
	default:
		return "137"
	}
}

func (res Resolution) String() string {
	if res == ResolutionUnknown {
		return "unknown"
	}

	return fmt.Sprintf("%dp", res.Height())
}

func ParseContentType(raw string) (ContentType, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "", "song":
		return Song, nil
	case "movie":
		return Movie, nil
	default:
		return Song, fmt.Errorf("content type %q is not recognised", raw)
	}
}

func (ct ContentType) String() string {
	if ct == Movie {
		return "movie"
	}

	return "song"
}

func (state JobState) String() string {
	switch state {
	case Pending:
		return "Pending"
	case Resolving:
		return "Resolving"
	case Downloading:
		return "Downloading"
	case Placing:
		return "Placing"
	case Succeeded:
		return "Succeeded"
	case Requeued:
		return "Requeued"
	case DeadLettered:
		return "DeadLettered"
	default:
		return fmt.Sprintf("Unknown[%d]", state)
	}
}

// IdentityKey derives the stable identity of the asset this job names,
// independent of which delivery carried it. Two deliveries asking for the
// same source at the same tier for the same actor share a key, which is
// what the placement ledger uses to spot repeats.
func (job *Job) IdentityKey() string {
	seed := fmt.Sprintf("%s|%d|%s", job.SourceURL, job.Resolution.Height(), strings.ToLower(strings.TrimSpace(job.Actor)))
	sum := sha1.Sum([]byte(seed))

	return hex.EncodeToString(sum[:])
}

// EncodeMessage re-marshals this job to the canonical wire shape, suitable
// for republishing on a requeue. The producer's original RES value is
// preserved where it was recorded.
func (job *Job) EncodeMessage() ([]byte, error) {
	// A message that arrived without RES must be republished without a
	// usable RES; inventing one would heal the message to the default
	// tier instead of letting its retry budget run out.
	res := job.RawResolution
	if res == "" && job.Resolution != ResolutionUnknown {
		res = fmt.Sprintf("%d", job.Resolution.Height())
	}
	contentType := job.RawType
	if contentType == "" {
		contentType = job.Type.String()
	}

	message := map[string]any{
		"LNG":    job.Language,
		"ACT":    job.Actor,
		"RES":    res,
		"MP4URL": job.SourceURL,
		"TYPE":   contentType,
		"RETRY":  job.RetryCount,
	}
	if job.Title != "" {
		message["TITLE"] = job.Title
	}

	return json.Marshal(message)
}

func (job *Job) String() string {
	return fmt.Sprintf("Job{id=%s url=%s res=%s retry=%d}", job.ID, job.SourceURL, job.Resolution, job.RetryCount)
}
