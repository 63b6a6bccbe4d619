// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"github.com/labstack/echo/v4"

	"github.com/layersync/backend/internal/engine"
	"github.com/layersync/backend/internal/presence"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Engine         *engine.Engine
	Presence       *presence.Tracker
	Loop           Runner
	Hub            *EventHub
	AllowLayerDrop bool
	Version        string
}

// Handlers holds all handler instances
type Handlers struct {
	Health   HealthHandler
	Layer    LayerHandler
	Feature  FeatureHandler
	Presence PresenceHandler
	Events   EventStreamHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:   NewHealthHandler(deps.Version, deps.Engine, deps.Loop),
		Layer:    NewLayerHandler(deps.Engine, deps.Loop, deps.AllowLayerDrop),
		Feature:  NewFeatureHandler(deps.Engine, deps.Loop),
		Presence: NewPresenceHandler(deps.Engine, deps.Presence, deps.Loop),
		Events:   deps.Hub,
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	// Health check
	e.GET("/health", handlers.Health.HandleHealth)

	// Layer catalog routes
	layerGroup := e.Group("/api/layers")
	layerGroup.GET("", handlers.Layer.HandleListLayers)
	layerGroup.POST("/refresh", handlers.Layer.HandleRefreshLayers)
	layerGroup.POST("/import", handlers.Layer.HandleImportLayer)
	layerGroup.DELETE("/loaded", handlers.Layer.HandleUnloadAll)
	layerGroup.GET("/:id", handlers.Layer.HandleGetLayer)
	layerGroup.PUT("/:id", handlers.Layer.HandleRenameLayer)
	layerGroup.DELETE("/:id", handlers.Layer.HandleDropLayer)
	layerGroup.POST("/:id/load", handlers.Layer.HandleLoadLayer)
	layerGroup.POST("/:id/unload", handlers.Layer.HandleUnloadLayer)
	layerGroup.POST("/:id/merge", handlers.Layer.HandleMergeSubLayer)
	layerGroup.POST("/:id/sublayers", handlers.Layer.HandleCreateSubLayer)

	// Feature routes
	layerGroup.GET("/:id/features", handlers.Feature.HandleGetFeatures)
	layerGroup.GET("/:id/features/msgpack", handlers.Feature.HandleGetFeaturesMsgpack)
	layerGroup.GET("/:id/features/geojson", handlers.Feature.HandleGetFeaturesGeoJSON)
	layerGroup.POST("/:id/edits", handlers.Feature.HandleApplyEdits)

	// Presence and realtime routes
	presenceGroup := e.Group("/api/presence")
	presenceGroup.GET("", handlers.Presence.HandleGetPresence)
	presenceGroup.PUT("/follow", handlers.Presence.HandleSetFollow)

	realtimeGroup := e.Group("/api/realtime")
	realtimeGroup.GET("", handlers.Presence.HandleRealtimeStatus)
	realtimeGroup.POST("/start", handlers.Presence.HandleStartRealtime)
	realtimeGroup.POST("/stop", handlers.Presence.HandleStopRealtime)
}

// RegisterWebSocketRoutes registers WebSocket routes
func RegisterWebSocketRoutes(e *echo.Echo, handlers *Handlers) {
	e.GET("/api/ws/events", handlers.Events.HandleWebSocket)
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo) {
	// Use custom error handler
	e.HTTPErrorHandler = ErrorHandler
}
