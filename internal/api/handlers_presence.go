// handlers_presence.go - Collaborator positions and realtime control
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/layersync/backend/internal/engine"
	"github.com/layersync/backend/internal/models"
	"github.com/layersync/backend/internal/presence"
)

// PresenceHandlerImpl implements the PresenceHandler interface
type PresenceHandlerImpl struct {
	engine  *engine.Engine
	tracker *presence.Tracker
	runner  Runner
}

// NewPresenceHandler creates a new presence handler
func NewPresenceHandler(eng *engine.Engine, tracker *presence.Tracker, runner Runner) PresenceHandler {
	return &PresenceHandlerImpl{
		engine:  eng,
		tracker: tracker,
		runner:  runner,
	}
}

// HandleGetPresence returns the positions currently shown.
func (h *PresenceHandlerImpl) HandleGetPresence(c echo.Context) error {
	var points []models.PresencePoint
	var following bool
	err := h.runner.Do(c.Request().Context(), func() error {
		points = h.tracker.Points()
		following = h.tracker.Following()
		return nil
	})
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"points":    points,
		"following": following,
	})
}

// HandleSetFollow toggles recentering the map on the latest position.
func (h *PresenceHandlerImpl) HandleSetFollow(c echo.Context) error {
	var req struct {
		Follow *bool `json:"follow"`
	}
	if err := c.Bind(&req); err != nil {
		return RespondWithError(c, NewBadRequestError("invalid JSON body", err))
	}
	if req.Follow == nil {
		return RespondWithError(c, NewBadRequestError("follow is required", nil))
	}
	err := h.runner.Do(c.Request().Context(), func() error {
		h.tracker.SetFollow(*req.Follow)
		return nil
	})
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"following": *req.Follow})
}

func (h *PresenceHandlerImpl) status(c echo.Context) error {
	var running bool
	err := h.runner.Do(c.Request().Context(), func() error {
		running = h.engine.RealtimeRunning()
		return nil
	})
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"running": running})
}

// HandleRealtimeStatus reports whether the realtime worker is running.
func (h *PresenceHandlerImpl) HandleRealtimeStatus(c echo.Context) error {
	return h.status(c)
}

// HandleStartRealtime starts the realtime worker.
func (h *PresenceHandlerImpl) HandleStartRealtime(c echo.Context) error {
	err := h.runner.Do(c.Request().Context(), h.engine.StartRealtime)
	if err != nil {
		return FromError(err)
	}
	return h.status(c)
}

// HandleStopRealtime stops the realtime worker and waits for it.
func (h *PresenceHandlerImpl) HandleStopRealtime(c echo.Context) error {
	err := h.runner.Do(c.Request().Context(), h.engine.StopRealtime)
	if err != nil {
		return FromError(err)
	}
	return h.status(c)
}
