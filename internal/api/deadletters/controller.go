package deadletters

import (
	"net/http"
	"time"

	"github.com/hbomb79/Iris/internal/deadletter"
	"github.com/labstack/echo/v4"
)

type (
	// RecordDto is one dead-lettered message as served to clients. The
	// payload is the raw message text so an operator can correct and
	// republish it by hand.
	RecordDto struct {
		QueuedAt   time.Time `json:"queued_at"`
		MessageId  string    `json:"message_id"`
		Payload    string    `json:"payload"`
		Reason     string    `json:"reason"`
		RetryCount int       `json:"retry_count"`
	}

	Store interface {
		All() ([]deadletter.Record, error)
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

// list returns every dead-lettered record, oldest first, mirroring the
// order they were appended to the store.
func (controller *Controller) list(ec echo.Context) error {
	records, err := controller.store.All()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	dtos := make([]*RecordDto, len(records))
	for k, v := range records {
		dtos[k] = NewDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

// NewDto creates a RecordDto from the store model.
func NewDto(record deadletter.Record) *RecordDto {
	return &RecordDto{
		QueuedAt:   record.QueuedAt,
		MessageId:  record.MessageID,
		Payload:    record.Payload,
		Reason:     record.Reason,
		RetryCount: record.RetryCount,
	}
}
