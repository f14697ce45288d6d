package api

import (
	"github.com/google/uuid"
	"github.com/hbomb79/Iris/internal/api/libraries"
	"github.com/hbomb79/Iris/internal/broker"
	"github.com/hbomb79/Iris/internal/http/websocket"
)

const (
	TITLE_JOB_UPDATE     = "JOB_UPDATE"
	TITLE_JOB_COMPLETE   = "JOB_COMPLETE"
	TITLE_BATCH_COMPLETE = "BATCH_COMPLETE"
	TITLE_CATALOG_UPDATE = "CATALOG_UPDATE"
)

type (
	CatalogUpdate struct {
		Revision uuid.UUID           `json:"revision"`
		Catalog  *libraries.StatsDto `json:"catalog"`
	}

	// broadcaster pushes state changes out to every connected websocket
	// client. Pipeline activity arrives second-hand via the broker relay
	// since batches run in a separate process; catalog updates originate
	// locally from the watcher.
	broadcaster struct {
		socketHub      *websocket.SocketHub
		catalogService libraries.Service
	}
)

func newBroadcaster(socketHub *websocket.SocketHub, catalogService libraries.Service) *broadcaster {
	return &broadcaster{socketHub, catalogService}
}

// BroadcastActivity forwards one relayed pipeline event to all clients,
// preserving the title the publishing process chose.
func (hub *broadcaster) BroadcastActivity(message broker.ActivityMessage) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title: message.Title,
		Body:  map[string]interface{}{"kind": message.Kind, "arguments": message.Body},
		Type:  websocket.Update,
	})
}

func (hub *broadcaster) BroadcastCatalogUpdate(revision uuid.UUID) error {
	update := CatalogUpdate{Revision: revision}
	if snapshot := hub.catalogService.Current(); snapshot != nil {
		update.Catalog = libraries.NewStatsDto(snapshot)
	}

	hub.broadcast(TITLE_CATALOG_UPDATE, update)

	return nil
}

func (hub *broadcaster) broadcast(title string, update any) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title: title,
		Body:  map[string]interface{}{"arguments": update},
		Type:  websocket.Update,
	})
}
