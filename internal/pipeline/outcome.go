package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Iris/internal/job"
	"github.com/labstack/gommon/bytes"
)

type (
	OutcomeState int

	// BatchOutcome is the fate of a single message within a cycle.
	BatchOutcome struct {
		JobID     uuid.UUID
		MessageID string
		SourceURL string
		Actor     string
		Title     string

		State       OutcomeState
		Destination string
		SizeBytes   int64
		Elapsed     time.Duration

		// Detail carries the trouble summary for non-placed outcomes
		// and the duplicate annotation for skips.
		Detail string
	}

	// BatchReport is the full account of one poll cycle: what arrived,
	// what happened to each message and how long the cycle took. Its
	// rendered form is the webhook notification body and the durable
	// log entry for the batch.
	BatchReport struct {
		RunID      uuid.UUID
		StartedAt  time.Time
		FinishedAt time.Time
		Received   int
		Outcomes   []BatchOutcome
	}
)

const (
	Placed OutcomeState = iota
	Skipped
	Requeued
	DeadLettered
)

func (state OutcomeState) String() string {
	switch state {
	case Placed:
		return "placed"
	case Skipped:
		return "skipped"
	case Requeued:
		return "requeued"
	case DeadLettered:
		return "dead-lettered"
	default:
		return fmt.Sprintf("unknown[%d]", state)
	}
}

func newOutcome(item *job.Job, message string) BatchOutcome {
	outcome := BatchOutcome{MessageID: message}
	if item != nil {
		outcome.JobID = item.ID
		outcome.SourceURL = item.SourceURL
		outcome.Actor = item.Actor
		outcome.Title = item.Title
	}

	return outcome
}

// Counts tallies the outcomes by state.
func (report *BatchReport) Counts() (placed int, skipped int, requeued int, deadLettered int) {
	for _, outcome := range report.Outcomes {
		switch outcome.State {
		case Placed:
			placed++
		case Skipped:
			skipped++
		case Requeued:
			requeued++
		case DeadLettered:
			deadLettered++
		}
	}

	return
}

// Render produces the human-readable multi-line batch summary.
func (report *BatchReport) Render() string {
	placed, skipped, requeued, deadLettered := report.Counts()
	elapsed := report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond)

	var builder strings.Builder
	fmt.Fprintf(&builder, "Iris batch %s finished in %s: %d received, %d placed, %d skipped, %d requeued, %d dead-lettered",
		shortID(report.RunID), elapsed, report.Received, placed, skipped, requeued, deadLettered)

	for _, outcome := range report.Outcomes {
		builder.WriteString("\n")
		builder.WriteString(outcome.renderLine())
	}

	return builder.String()
}

func (outcome *BatchOutcome) renderLine() string {
	subject := outcome.Title
	if subject == "" {
		subject = outcome.SourceURL
	}
	if subject == "" {
		subject = fmt.Sprintf("message %s", outcome.MessageID)
	}

	switch outcome.State {
	case Placed:
		return fmt.Sprintf("  [placed] %s -> %s (%s in %s)",
			subject, outcome.Destination, bytes.Format(outcome.SizeBytes), outcome.Elapsed.Round(time.Millisecond))
	case Skipped:
		return fmt.Sprintf("  [skipped] %s: %s", subject, outcome.Detail)
	case Requeued:
		return fmt.Sprintf("  [requeued] %s: %s", subject, outcome.Detail)
	default:
		return fmt.Sprintf("  [dead-lettered] %s: %s", subject, outcome.Detail)
	}
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
