// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"
)

// Runner executes fn on the goroutine that owns the engine and waits for it.
// dispatch.Loop implements it.
type Runner interface {
	Do(ctx context.Context, fn func() error) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// LayerHandler handles catalog operations
type LayerHandler interface {
	HandleListLayers(c echo.Context) error
	HandleRefreshLayers(c echo.Context) error
	HandleGetLayer(c echo.Context) error
	HandleLoadLayer(c echo.Context) error
	HandleUnloadLayer(c echo.Context) error
	HandleUnloadAll(c echo.Context) error
	HandleRenameLayer(c echo.Context) error
	HandleDropLayer(c echo.Context) error
	HandleMergeSubLayer(c echo.Context) error
	HandleCreateSubLayer(c echo.Context) error
	HandleImportLayer(c echo.Context) error
}

// FeatureHandler handles feature reads and edit sessions
type FeatureHandler interface {
	HandleGetFeatures(c echo.Context) error
	HandleGetFeaturesMsgpack(c echo.Context) error
	HandleGetFeaturesGeoJSON(c echo.Context) error
	HandleApplyEdits(c echo.Context) error
}

// PresenceHandler handles collaborator positions and the realtime worker
type PresenceHandler interface {
	HandleGetPresence(c echo.Context) error
	HandleSetFollow(c echo.Context) error
	HandleRealtimeStatus(c echo.Context) error
	HandleStartRealtime(c echo.Context) error
	HandleStopRealtime(c echo.Context) error
}

// EventStreamHandler pushes engine events to websocket clients
type EventStreamHandler interface {
	HandleWebSocket(c echo.Context) error
}
