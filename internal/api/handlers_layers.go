// handlers_layers.go - Layer catalog handlers
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/golang/glog"
	"github.com/labstack/echo/v4"

	"github.com/layersync/backend/internal/engine"
	"github.com/layersync/backend/internal/host"
	"github.com/layersync/backend/internal/manifest"
)

// LayerHandlerImpl implements the LayerHandler interface
type LayerHandlerImpl struct {
	engine    *engine.Engine
	runner    Runner
	allowDrop bool
}

// NewLayerHandler creates a new layer handler
func NewLayerHandler(eng *engine.Engine, runner Runner, allowDrop bool) LayerHandler {
	return &LayerHandlerImpl{
		engine:    eng,
		runner:    runner,
		allowDrop: allowDrop,
	}
}

// do runs fn on the engine loop and maps its error.
func (h *LayerHandlerImpl) do(c echo.Context, fn func(ctx context.Context) error) error {
	ctx := c.Request().Context()
	if err := h.runner.Do(ctx, func() error { return fn(ctx) }); err != nil {
		return FromError(err)
	}
	return nil
}

// respondInfo returns the current catalog entry of a layer.
func (h *LayerHandlerImpl) respondInfo(c echo.Context, status int, id string) error {
	var info engine.LayerInfo
	err := h.do(c, func(context.Context) error {
		var err error
		info, err = h.engine.Info(id)
		return err
	})
	if err != nil {
		return err
	}
	return c.JSON(status, info)
}

// HandleListLayers returns the catalog as a tree.
func (h *LayerHandlerImpl) HandleListLayers(c echo.Context) error {
	var tree []engine.LayerInfo
	err := h.do(c, func(context.Context) error {
		tree = h.engine.Tree()
		return nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"layers": tree})
}

// HandleRefreshLayers fetches the catalog from the backend.
func (h *LayerHandlerImpl) HandleRefreshLayers(c echo.Context) error {
	var tree []engine.LayerInfo
	err := h.do(c, func(ctx context.Context) error {
		if err := h.engine.FetchLayers(ctx); err != nil {
			return err
		}
		tree = h.engine.Tree()
		return nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"layers": tree})
}

// HandleGetLayer returns one catalog entry.
func (h *LayerHandlerImpl) HandleGetLayer(c echo.Context) error {
	return h.respondInfo(c, http.StatusOK, c.Param("id"))
}

// HandleLoadLayer loads a layer's features onto the map. With ?async=true the
// features are fetched in the background and 202 is returned immediately.
func (h *LayerHandlerImpl) HandleLoadLayer(c echo.Context) error {
	id := c.Param("id")
	if async, _ := strconv.ParseBool(c.QueryParam("async")); async {
		err := h.do(c, func(context.Context) error {
			if _, ok := h.engine.Layer(id); !ok {
				return engine.ErrLayerNotFound
			}
			h.engine.AddLayerAsync(context.Background(), id, func(err error) {
				if err != nil {
					glog.Errorf("[API] Background load of %s failed: %v", id, err)
				}
			})
			return nil
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusAccepted, map[string]string{"id": id, "status": "loading"})
	}

	err := h.do(c, func(ctx context.Context) error {
		return h.engine.AddLayer(ctx, id)
	})
	if err != nil {
		return err
	}
	return h.respondInfo(c, http.StatusOK, id)
}

// HandleUnloadLayer removes a layer from the map, keeping it in the catalog.
func (h *LayerHandlerImpl) HandleUnloadLayer(c echo.Context) error {
	id := c.Param("id")
	err := h.do(c, func(context.Context) error {
		return h.engine.RemoveLayer(id)
	})
	if err != nil {
		return err
	}
	return h.respondInfo(c, http.StatusOK, id)
}

// HandleUnloadAll removes every synchronized layer from the map.
func (h *LayerHandlerImpl) HandleUnloadAll(c echo.Context) error {
	err := h.do(c, func(context.Context) error {
		h.engine.RemoveAllLayers()
		return nil
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleRenameLayer renames a layer on both sides.
func (h *LayerHandlerImpl) HandleRenameLayer(c echo.Context) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&req); err != nil {
		return RespondWithError(c, NewBadRequestError("invalid JSON body", err))
	}
	if req.Name == "" {
		return RespondWithError(c, NewValidationError("name"))
	}

	id := c.Param("id")
	err := h.do(c, func(ctx context.Context) error {
		return h.engine.RenameLayer(ctx, id, req.Name)
	})
	if err != nil {
		return err
	}
	return h.respondInfo(c, http.StatusOK, id)
}

// HandleDropLayer deletes a layer from the backend.
func (h *LayerHandlerImpl) HandleDropLayer(c echo.Context) error {
	if !h.allowDrop {
		return RespondWithError(c, NewForbiddenError("dropping layers is disabled"))
	}
	id := c.Param("id")
	err := h.do(c, func(ctx context.Context) error {
		return h.engine.DropLayer(ctx, id)
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleMergeSubLayer folds a sub-layer into its parent.
func (h *LayerHandlerImpl) HandleMergeSubLayer(c echo.Context) error {
	id := c.Param("id")
	err := h.do(c, func(ctx context.Context) error {
		return h.engine.MergeSubLayer(ctx, id)
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleCreateSubLayer copies selected features into a new sub-layer. When
// remote feature ids are given they replace the current selection.
func (h *LayerHandlerImpl) HandleCreateSubLayer(c echo.Context) error {
	var req struct {
		Name       string   `json:"name"`
		FeatureIDs []string `json:"featureIds"`
	}
	if err := c.Bind(&req); err != nil {
		return RespondWithError(c, NewBadRequestError("invalid JSON body", err))
	}
	if req.Name == "" {
		return RespondWithError(c, NewValidationError("name"))
	}

	parentID := c.Param("id")
	var created engine.LayerInfo
	err := h.do(c, func(ctx context.Context) error {
		if len(req.FeatureIDs) > 0 {
			if err := selectRemote(h.engine, parentID, req.FeatureIDs); err != nil {
				return err
			}
		}
		sub, err := h.engine.CreateSubLayer(ctx, parentID, req.Name)
		if err != nil {
			return err
		}
		created, err = h.engine.Info(sub.ID())
		return err
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// selectRemote selects the local features bound to the given remote ids.
func selectRemote(eng *engine.Engine, layerID string, remoteIDs []string) error {
	l, ok := eng.Layer(layerID)
	if !ok {
		return engine.ErrLayerNotFound
	}
	local, ok := l.Materialized()
	if !ok || !l.IsLoaded() {
		return engine.ErrLayerNotLoaded
	}
	ids := make([]host.FeatureID, 0, len(remoteIDs))
	for _, remote := range remoteIDs {
		id, ok := l.IDs().LocalFor(remote)
		if !ok {
			return NewNotFoundError("feature", remote)
		}
		ids = append(ids, id)
	}
	local.Select(ids)
	return nil
}

// HandleImportLayer creates a remote layer from an uploaded GeoJSON file.
// Form fields: file, srid, name (defaults to the file name), temporary.
func (h *LayerHandlerImpl) HandleImportLayer(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return RespondWithError(c, NewBadRequestError("file is required", err))
	}
	srid, err := strconv.Atoi(c.FormValue("srid"))
	if err != nil {
		return RespondWithError(c, NewValidationError("srid"))
	}
	name := c.FormValue("name")
	if name == "" {
		name = file.Filename
	}
	temporary, _ := strconv.ParseBool(c.FormValue("temporary"))

	src, err := file.Open()
	if err != nil {
		return RespondWithError(c, NewInternalError("failed to open upload", err))
	}
	defer src.Close()

	layer, err := manifest.ReadGeoJSON(src, name, srid, nil)
	if err != nil {
		return FromError(err)
	}
	defer layer.Close()

	var created engine.LayerInfo
	err = h.do(c, func(ctx context.Context) error {
		l, err := h.engine.ImportLayer(ctx, layer, engine.ImportOptions{Name: name, Temporary: temporary})
		if err != nil {
			return err
		}
		created, err = h.engine.Info(l.ID())
		return err
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}
