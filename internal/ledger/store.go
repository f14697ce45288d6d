// The ledger records every successful placement and every completed
// batch in PostgreSQL. The pipeline consults it to skip jobs whose
// media is already in the library, and the API serves history from it.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/hbomb79/Iris/internal/database"
	"github.com/hbomb79/Iris/pkg/logger"
)

var (
	ErrPlacementNotFound = errors.New("placement does not exist")

	// ErrLedgerUnavailable is returned by ledger-backed read paths when
	// the database is disabled or was never connected. API controllers
	// map it to a service-unavailable response rather than an error.
	ErrLedgerUnavailable = errors.New("placement ledger is unavailable")
)

var log = logger.Get("Ledger")

type (
	// Placement is one media file successfully moved into the library.
	// IdentityKey is unique per (source, resolution, actor) so a
	// requeued duplicate updates the row rather than adding another.
	Placement struct {
		ID              int64     `db:"id"`
		IdentityKey     string    `db:"identity_key"`
		Title           *string   `db:"title"`
		Language        string    `db:"language"`
		Actor           string    `db:"actor"`
		ContentType     string    `db:"content_type"`
		RequestedHeight int       `db:"requested_height"`
		ProbedHeight    *int      `db:"probed_height"`
		Bucket          string    `db:"bucket"`
		SourceURL       string    `db:"source_url"`
		FinalPath       string    `db:"final_path"`
		PlacedAt        time.Time `db:"placed_at"`
	}

	// OutcomeRecord is the per-job summary persisted with a batch.
	OutcomeRecord struct {
		SourceURL   string `json:"sourceUrl"`
		Actor       string `json:"actor"`
		State       string `json:"state"`
		Destination string `json:"destination,omitempty"`
		Detail      string `json:"detail,omitempty"`
		ElapsedMS   int64  `json:"elapsedMs"`
	}

	// Batch summarises one completed poll cycle.
	Batch struct {
		ID           uuid.UUID                            `db:"id"`
		StartedAt    time.Time                            `db:"started_at"`
		FinishedAt   time.Time                            `db:"finished_at"`
		Received     int                                  `db:"received"`
		Placed       int                                  `db:"placed"`
		Skipped      int                                  `db:"skipped"`
		Requeued     int                                  `db:"requeued"`
		DeadLettered int                                  `db:"dead_lettered"`
		Report       string                               `db:"report"`
		Outcomes     database.JsonColumn[[]OutcomeRecord] `db:"outcomes"`
	}

	Store struct{}
)

func NewStore() *Store {
	return &Store{}
}

// RecordPlacement upserts a placement. A collision on the identity key
// means the same media was downloaded again; the row is refreshed to
// point at the new file, mirroring the overwrite the library performed.
func (store *Store) RecordPlacement(db database.Queryable, placement Placement) error {
	_, err := db.Exec(`
		INSERT INTO placements(identity_key, title, language, actor, content_type, requested_height, probed_height, bucket, source_url, final_path, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, current_timestamp)
		ON CONFLICT(identity_key) DO UPDATE
		SET probed_height=EXCLUDED.probed_height, bucket=EXCLUDED.bucket, final_path=EXCLUDED.final_path, placed_at=current_timestamp
	`, placement.IdentityKey, placement.Title, placement.Language, placement.Actor, placement.ContentType,
		placement.RequestedHeight, placement.ProbedHeight, placement.Bucket, placement.SourceURL, placement.FinalPath)
	if err != nil {
		return fmt.Errorf("failed to record placement: %w", err)
	}

	return nil
}

// GetPlacementByIdentity finds a previous placement of the same media,
// if any. Used for the skip-already-placed check before downloading.
func (store *Store) GetPlacementByIdentity(db database.Queryable, identityKey string) (*Placement, error) {
	query, args, err := selectPlacementBuilder().Where("placements.identity_key=?", identityKey).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select placement query: %w", err)
	}

	var placement Placement
	if err := db.Get(&placement, db.Rebind(query), args...); err != nil {
		return nil, ErrPlacementNotFound
	}

	return &placement, nil
}

func (store *Store) ListPlacements(db database.Queryable) ([]*Placement, error) {
	query, args, err := selectPlacementBuilder().OrderBy("placements.placed_at DESC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list placements query: %w", err)
	}

	var results []Placement
	if err := db.Select(&results, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	output := make([]*Placement, len(results))
	for k, v := range results {
		placement := v
		output[k] = &placement
	}

	return output, nil
}

func (store *Store) RecordBatch(db database.Queryable, batch Batch) error {
	if batch.Outcomes.Get() == nil {
		batch.Outcomes = database.NewJsonColumn([]OutcomeRecord{})
	}

	_, err := db.Exec(`
		INSERT INTO batches(id, started_at, finished_at, received, placed, skipped, requeued, dead_lettered, report, outcomes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, batch.ID, batch.StartedAt, batch.FinishedAt, batch.Received, batch.Placed, batch.Skipped, batch.Requeued, batch.DeadLettered, batch.Report, batch.Outcomes)
	if err != nil {
		return fmt.Errorf("failed to record batch: %w", err)
	}

	log.Debugf("Recorded batch %s (%d received)\n", batch.ID, batch.Received)
	return nil
}

// LatestBatches returns up to 'limit' of the most recently finished
// batches, newest first.
func (store *Store) LatestBatches(db database.Queryable, limit int) ([]*Batch, error) {
	query, args, err := squirrel.
		Select("batches.*").
		From("batches").
		OrderBy("batches.finished_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list batches query: %w", err)
	}

	var results []Batch
	if err := db.Select(&results, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	output := make([]*Batch, len(results))
	for k, v := range results {
		batch := v
		output[k] = &batch
	}

	return output, nil
}

func selectPlacementBuilder() squirrel.SelectBuilder {
	return squirrel.
		Select("placements.*").
		From("placements")
}
