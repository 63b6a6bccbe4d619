// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/layersync/backend/internal/engine"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version string
	engine  *engine.Engine
	runner  Runner
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, eng *engine.Engine, runner Runner) HealthHandler {
	return &HealthHandlerImpl{
		version: version,
		engine:  eng,
		runner:  runner,
	}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	var layers, loaded int
	var realtime bool
	err := h.runner.Do(c.Request().Context(), func() error {
		for _, l := range h.engine.Layers() {
			layers++
			if l.IsLoaded() {
				loaded++
			}
		}
		realtime = h.engine.RealtimeRunning()
		return nil
	})
	if err != nil {
		return RespondWithError(c, NewServiceUnavailableError("sync loop is not running"))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"version":  h.version,
		"layers":   layers,
		"loaded":   loaded,
		"realtime": realtime,
	})
}
