package libraries

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"github.com/google/uuid"
	"github.com/hbomb79/Iris/internal/ledger"
	"github.com/hbomb79/Iris/internal/library"
	"github.com/labstack/echo/v4"
)

const (
	maxSearchHits       = 25
	minSearchSimilarity = 0.5
)

type (
	// StatsDto is the flattened catalog summary. Clients polling for
	// freshness compare revisions without pulling the whole tree.
	StatsDto struct {
		Revision uuid.UUID `json:"revision"`
		BuiltAt  time.Time `json:"built_at"`
		Folders  int       `json:"folders"`
		Files    int       `json:"files"`
		Errors   int       `json:"errors"`
	}

	SearchHitDto struct {
		Root       string  `json:"root"`
		Name       string  `json:"name"`
		Path       string  `json:"path"`
		Similarity float64 `json:"similarity"`
	}

	PlacementDto struct {
		Id              int64     `json:"id"`
		IdentityKey     string    `json:"identity_key"`
		Title           *string   `json:"title"`
		Language        string    `json:"language"`
		Actor           string    `json:"actor"`
		ContentType     string    `json:"content_type"`
		RequestedHeight int       `json:"requested_height"`
		ProbedHeight    *int      `json:"probed_height"`
		Bucket          string    `json:"bucket"`
		SourceURL       string    `json:"source_url"`
		FinalPath       string    `json:"final_path"`
		PlacedAt        time.Time `json:"placed_at"`
	}

	// Service is the catalog surface this controller consumes.
	Service interface {
		Current() *library.Snapshot
		Rebuild() *library.Snapshot
	}

	// PlacementStore serves the ledger's record of how files arrived in
	// the libraries.
	PlacementStore interface {
		ListPlacements() ([]*ledger.Placement, error)
	}

	Controller struct {
		service    Service
		placements PlacementStore
	}
)

func New(serv Service, placements PlacementStore) *Controller {
	return &Controller{service: serv, placements: placements}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.get)
	eg.GET("/stats/", controller.stats)
	eg.GET("/search/", controller.search)
	eg.GET("/placements/", controller.listPlacements)
	eg.POST("/sync/", controller.performSync)
}

// get returns the full catalog tree from the latest completed walk.
func (controller *Controller) get(ec echo.Context) error {
	snapshot := controller.service.Current()
	if snapshot == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Library catalog has not been built yet")
	}

	return ec.JSON(http.StatusOK, snapshot)
}

func (controller *Controller) stats(ec echo.Context) error {
	snapshot := controller.service.Current()
	if snapshot == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Library catalog has not been built yet")
	}

	return ec.JSON(http.StatusOK, NewStatsDto(snapshot))
}

// search ranks catalog files against the 'q' query param by string
// similarity, best match first. Only files clearing a minimum
// similarity are returned, capped to a fixed page size.
func (controller *Controller) search(ec echo.Context) error {
	query := ec.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Search requires a non-empty 'q' query parameter")
	}

	snapshot := controller.service.Current()
	if snapshot == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Library catalog has not been built yet")
	}

	metric := &metrics.JaroWinkler{CaseSensitive: false}
	hits := make([]*SearchHitDto, 0)
	for _, root := range snapshot.Roots {
		collectHits(root, root.Name, query, metric, &hits)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > maxSearchHits {
		hits = hits[:maxSearchHits]
	}

	return ec.JSON(http.StatusOK, hits)
}

// listPlacements returns the ledger's placement history, newest first.
func (controller *Controller) listPlacements(ec echo.Context) error {
	placements, err := controller.placements.ListPlacements()
	if err != nil {
		if errors.Is(err, ledger.ErrLedgerUnavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}

		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	dtos := make([]*PlacementDto, len(placements))
	for k, v := range placements {
		dtos[k] = NewPlacementDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

// performSync forces a catalog rebuild, returning the refreshed stats.
// The walk happens inline, so very large libraries will hold the
// request open for its duration.
func (controller *Controller) performSync(ec echo.Context) error {
	snapshot := controller.service.Rebuild()

	return ec.JSON(http.StatusOK, NewStatsDto(snapshot))
}

func collectHits(node *library.Node, rootLabel string, query string, metric strutil.StringMetric, hits *[]*SearchHitDto) {
	if node == nil {
		return
	}

	if node.Type == library.FileNode {
		similarity := strutil.Similarity(node.Name, query, metric)
		if similarity >= minSearchSimilarity {
			*hits = append(*hits, &SearchHitDto{Root: rootLabel, Name: node.Name, Path: node.Path, Similarity: similarity})
		}

		return
	}

	for _, child := range node.Children {
		collectHits(child, rootLabel, query, metric, hits)
	}
}

// NewStatsDto creates a StatsDto from a catalog snapshot.
func NewStatsDto(snapshot *library.Snapshot) *StatsDto {
	return &StatsDto{
		Revision: snapshot.Revision,
		BuiltAt:  snapshot.BuiltAt,
		Folders:  snapshot.Stats.Folders,
		Files:    snapshot.Stats.Files,
		Errors:   snapshot.Stats.Errors,
	}
}

// NewPlacementDto creates a PlacementDto from the ledger model.
func NewPlacementDto(placement *ledger.Placement) *PlacementDto {
	return &PlacementDto{
		Id:              placement.ID,
		IdentityKey:     placement.IdentityKey,
		Title:           placement.Title,
		Language:        placement.Language,
		Actor:           placement.Actor,
		ContentType:     placement.ContentType,
		RequestedHeight: placement.RequestedHeight,
		ProbedHeight:    placement.ProbedHeight,
		Bucket:          placement.Bucket,
		SourceURL:       placement.SourceURL,
		FinalPath:       placement.FinalPath,
		PlacedAt:        placement.PlacedAt,
	}
}
