package batches

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Iris/internal/ledger"
	"github.com/labstack/echo/v4"
)

const defaultListLimit = 20

type (
	// BatchDto is the response shape for the batch history endpoints.
	BatchDto struct {
		Id           uuid.UUID              `json:"id"`
		StartedAt    time.Time              `json:"started_at"`
		FinishedAt   time.Time              `json:"finished_at"`
		Received     int                    `json:"received"`
		Placed       int                    `json:"placed"`
		Skipped      int                    `json:"skipped"`
		Requeued     int                    `json:"requeued"`
		DeadLettered int                    `json:"dead_lettered"`
		Report       string                 `json:"report"`
		Outcomes     []ledger.OutcomeRecord `json:"outcomes"`
	}

	// Store is the slice of the ledger this controller reads from.
	Store interface {
		LatestBatches(limit int) ([]*ledger.Batch, error)
	}

	Controller struct {
		store Store
	}
)

func New(store Store) *Controller {
	return &Controller{store: store}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
}

// list returns the most recently finished batches, newest first. An
// optional 'limit' query param bounds the page size.
func (controller *Controller) list(ec echo.Context) error {
	limit := defaultListLimit
	if raw := ec.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "Limit must be a positive integer")
		}

		limit = parsed
	}

	items, err := controller.store.LatestBatches(limit)
	if err != nil {
		if errors.Is(err, ledger.ErrLedgerUnavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}

		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	dtos := make([]*BatchDto, len(items))
	for k, v := range items {
		dtos[k] = NewDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

// NewDto creates a BatchDto from the ledger model.
func NewDto(batch *ledger.Batch) *BatchDto {
	outcomes := []ledger.OutcomeRecord{}
	if decoded := batch.Outcomes.Get(); decoded != nil {
		outcomes = *decoded
	}

	return &BatchDto{
		Id:           batch.ID,
		StartedAt:    batch.StartedAt,
		FinishedAt:   batch.FinishedAt,
		Received:     batch.Received,
		Placed:       batch.Placed,
		Skipped:      batch.Skipped,
		Requeued:     batch.Requeued,
		DeadLettered: batch.DeadLettered,
		Report:       batch.Report,
		Outcomes:     outcomes,
	}
}
