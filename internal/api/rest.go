package api

import (
	"context"
	"sync"

	"github.com/hbomb79/Iris/internal/api/batches"
	"github.com/hbomb79/Iris/internal/api/deadletters"
	"github.com/hbomb79/Iris/internal/api/libraries"
	"github.com/hbomb79/Iris/internal/http/websocket"
	"github.com/hbomb79/Iris/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var log = logger.Get("API")

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// ledgerStore is a union of the controller store requirements that
	// are answered by the placement ledger.
	ledgerStore interface {
		batches.Store
		libraries.PlacementStore
	}

	// The RestGateway is a thin wrapper around the Echo HTTP router. Its sole
	// responsibility is to create the routes Iris exposes and to manage
	// ongoing websocket connections for activity updates.
	RestGateway struct {
		*broadcaster
		config                *RestConfig
		ec                    *echo.Echo
		socket                *websocket.SocketHub
		librariesController   controller
		batchesController     controller
		deadlettersController controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers. Controllers read from the
// library catalog, the placement ledger and the dead letter store; the
// websocket hub additionally serves pipeline activity pushed via the
// broadcaster.
func NewRestGateway(
	config *RestConfig,
	catalogService libraries.Service,
	store ledgerStore,
	deadletterStore deadletters.Store,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	socket := websocket.New()
	gateway := &RestGateway{
		broadcaster:           newBroadcaster(socket, catalogService),
		config:                config,
		ec:                    ec,
		socket:                socket,
		librariesController:   libraries.New(catalogService, store),
		batchesController:     batches.New(store),
		deadlettersController: deadletters.New(deadletterStore),
	}

	// New clients adopt the current catalog state from their welcome
	// message rather than waiting for the next update broadcast.
	socket.WithConnectionCallback(func() map[string]interface{} {
		if snapshot := catalogService.Current(); snapshot != nil {
			return map[string]interface{}{"catalog": libraries.NewStatsDto(snapshot)}
		}

		return map[string]interface{}{"catalog": nil}
	})
	socket.BindCommand("CATALOG_SYNC", func(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
		snapshot := catalogService.Rebuild()
		hub.Send(message.FormReply("CATALOG_SYNC_COMPLETE", map[string]interface{}{"catalog": libraries.NewStatsDto(snapshot)}, websocket.Response))

		return nil
	})

	ec.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(ec echo.Context, values middleware.RequestLoggerValues) error {
			if values.Error != nil {
				log.Emit(logger.ERROR, "%s %s -> %d in %s: %v\n", values.Method, values.URI, values.Status, values.Latency, values.Error)
			} else {
				log.Emit(logger.DEBUG, "%s %s -> %d in %s\n", values.Method, values.URI, values.Status, values.Latency)
			}

			return nil
		},
	}))
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET("/api/iris/v1/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})

	library := ec.Group("/api/iris/v1/library")
	gateway.librariesController.SetRoutes(library)

	batchHistory := ec.Group("/api/iris/v1/batches")
	gateway.batchesController.SetRoutes(batchHistory)

	deadLetters := ec.Group("/api/iris/v1/deadletters")
	gateway.deadlettersController.SetRoutes(deadLetters)

	return gateway
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	// Start websocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}
