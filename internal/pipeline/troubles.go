package pipeline

import (
	"errors"
	"fmt"

	"github.com/hbomb79/Iris/internal/broker"
	"github.com/hbomb79/Iris/internal/ffmpeg"
	"github.com/hbomb79/Iris/internal/format"
	"github.com/hbomb79/Iris/internal/job"
	"github.com/hbomb79/Iris/internal/notify"
	"github.com/hbomb79/Iris/internal/ytdlp"
)

type (
	TroubleType int

	// Trouble wraps a job-level failure with the stage it arose from.
	// Every trouble except BrokerFailure is contained to its job; a
	// BrokerFailure aborts the whole cycle since nothing further can be
	// drained, acknowledged or requeued without the broker.
	Trouble struct {
		error
		tType TroubleType
	}
)

const (
	ValidationFailure TroubleType = iota
	FormatResolutionFailure
	DownloadFailure
	ProbeFailure
	PlacementFailure
	NotificationFailure
	BrokerFailure
	GenericFailure
)

func newTrouble(err error) Trouble {
	var validationErr *job.ValidationError
	var formatsErr *format.NoUsableFormatsError
	var execErr *ytdlp.ExecError
	var probeErr *ffmpeg.ProbeError
	var notificationErr *notify.NotificationError
	var brokerErr *broker.UnavailableError

	switch {
	case errors.As(err, &brokerErr):
		return Trouble{error: err, tType: BrokerFailure}
	case errors.As(err, &validationErr):
		return Trouble{error: err, tType: ValidationFailure}
	case errors.As(err, &formatsErr):
		return Trouble{error: err, tType: FormatResolutionFailure}
	case errors.As(err, &execErr), errors.Is(err, ytdlp.ErrNoArtifact):
		return Trouble{error: err, tType: DownloadFailure}
	case errors.As(err, &probeErr):
		return Trouble{error: err, tType: ProbeFailure}
	case errors.As(err, &notificationErr):
		return Trouble{error: err, tType: NotificationFailure}
	}

	return Trouble{error: err, tType: GenericFailure}
}

func (t Trouble) Type() TroubleType { return t.tType }

// AbortsCycle reports whether this trouble poisons the whole cycle
// rather than just its own job.
func (t Trouble) AbortsCycle() bool { return t.tType == BrokerFailure }

func (t TroubleType) String() string {
	switch t {
	case ValidationFailure:
		return fmt.Sprintf("ValidationFailure[%d]", t)
	case FormatResolutionFailure:
		return fmt.Sprintf("FormatResolutionFailure[%d]", t)
	case DownloadFailure:
		return fmt.Sprintf("DownloadFailure[%d]", t)
	case ProbeFailure:
		return fmt.Sprintf("ProbeFailure[%d]", t)
	case PlacementFailure:
		return fmt.Sprintf("PlacementFailure[%d]", t)
	case NotificationFailure:
		return fmt.Sprintf("NotificationFailure[%d]", t)
	case BrokerFailure:
		return fmt.Sprintf("BrokerFailure[%d]", t)
	default:
		return fmt.Sprintf("GenericFailure[%d]", t)
	}
}
