// handlers_features.go - Feature reads and edit sessions
package api

import (
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/layersync/backend/internal/engine"
	"github.com/layersync/backend/internal/host"
	"github.com/layersync/backend/internal/manifest"
	"github.com/layersync/backend/internal/models"
)

// FeatureHandlerImpl implements the FeatureHandler interface
type FeatureHandlerImpl struct {
	engine *engine.Engine
	runner Runner
}

// NewFeatureHandler creates a new feature handler
func NewFeatureHandler(eng *engine.Engine, runner Runner) FeatureHandler {
	return &FeatureHandlerImpl{
		engine: eng,
		runner: runner,
	}
}

func (h *FeatureHandlerImpl) snapshot(c echo.Context) ([]models.FeatureRecord, error) {
	id := c.Param("id")
	var records []models.FeatureRecord
	err := h.runner.Do(c.Request().Context(), func() error {
		var err error
		records, err = h.engine.Snapshot(id)
		return err
	})
	if err != nil {
		return nil, FromError(err)
	}
	return records, nil
}

// HandleGetFeatures returns the loaded features of a layer as wire records.
func (h *FeatureHandlerImpl) HandleGetFeatures(c echo.Context) error {
	records, err := h.snapshot(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"features": records,
		"total":    len(records),
	})
}

// HandleGetFeaturesMsgpack returns the same records encoded as msgpack.
func (h *FeatureHandlerImpl) HandleGetFeaturesMsgpack(c echo.Context) error {
	records, err := h.snapshot(c)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(map[string]interface{}{
		"features": records,
		"total":    len(records),
	})
	if err != nil {
		return RespondWithError(c, NewInternalError("failed to encode msgpack", err))
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleGetFeaturesGeoJSON exports the local layer as a FeatureCollection.
func (h *FeatureHandlerImpl) HandleGetFeaturesGeoJSON(c echo.Context) error {
	id := c.Param("id")
	var body []byte
	err := h.runner.Do(c.Request().Context(), func() error {
		l, ok := h.engine.Layer(id)
		if !ok {
			return fmt.Errorf("%w: %s", engine.ErrLayerNotFound, id)
		}
		local, ok := l.Materialized()
		if !ok {
			return fmt.Errorf("%w: %s", engine.ErrLayerNotLoaded, l.Name())
		}
		fc, err := manifest.WriteGeoJSON(local)
		if err != nil {
			return err
		}
		body, err = fc.MarshalJSON()
		return err
	})
	if err != nil {
		return FromError(err)
	}
	return c.Blob(http.StatusOK, "application/geo+json", body)
}

// PointInput is a new point feature. Attributes are keyed by field name.
type PointInput struct {
	X          float64        `json:"x"`
	Y          float64        `json:"y"`
	Z          float64        `json:"z"`
	Attributes map[string]any `json:"attributes"`
}

// FeatureUpdate changes an existing feature identified by its remote id.
// Nil coordinates keep the current geometry.
type FeatureUpdate struct {
	ID         string         `json:"id"`
	X          *float64       `json:"x,omitempty"`
	Y          *float64       `json:"y,omitempty"`
	Z          *float64       `json:"z,omitempty"`
	Attributes map[string]any `json:"attributes"`
}

// EditRequest is one edit session applied and committed atomically on the
// local layer. The commit is what pushes the changes to the backend.
type EditRequest struct {
	AddAttributes    []models.Attribute `json:"addAttributes"`
	Add              []PointInput       `json:"add"`
	Update           []FeatureUpdate    `json:"update"`
	Delete           []string           `json:"delete"`
	DeleteAttributes []string           `json:"deleteAttributes"`
}

func (r EditRequest) empty() bool {
	return len(r.AddAttributes) == 0 && len(r.Add) == 0 && len(r.Update) == 0 &&
		len(r.Delete) == 0 && len(r.DeleteAttributes) == 0
}

// HandleApplyEdits runs an edit session on a loaded layer and commits it.
func (h *FeatureHandlerImpl) HandleApplyEdits(c echo.Context) error {
	var req EditRequest
	if err := c.Bind(&req); err != nil {
		return RespondWithError(c, NewBadRequestError("invalid JSON body", err))
	}
	if req.empty() {
		return RespondWithError(c, NewBadRequestError("no edits given", nil))
	}

	id := c.Param("id")
	var info engine.LayerInfo
	err := h.runner.Do(c.Request().Context(), func() error {
		l, ok := h.engine.Layer(id)
		if !ok {
			return fmt.Errorf("%w: %s", engine.ErrLayerNotFound, id)
		}
		local, ok := l.Materialized()
		if !ok || !l.IsLoaded() {
			return fmt.Errorf("%w: %s", engine.ErrLayerNotLoaded, l.Name())
		}
		if err := applyEdits(l, local, req); err != nil {
			return err
		}
		var err error
		info, err = h.engine.Info(id)
		return err
	})
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, info)
}

// applyEdits buffers req in an edit session and commits it. Any failure
// before the commit rolls the session back.
func applyEdits(l *engine.RemoteLayer, local host.EditableLayer, req EditRequest) (err error) {
	if err := local.StartEditing(); err != nil {
		return err
	}
	defer func() {
		if err != nil && local.IsEditing() {
			local.RollBack()
		}
	}()

	for _, attr := range req.AddAttributes {
		if attr.Name == "" || !attr.Type.Valid() {
			return models.NewValidationError("attribute", attr.Name+":"+string(attr.Type), nil)
		}
		if err := local.AddAttribute(attr); err != nil {
			return models.NewValidationError("attribute", attr.Name, err)
		}
	}

	fields := append(local.Fields(), req.AddAttributes...)

	for _, p := range req.Add {
		attrs, err := attributeValues(fields, p.Attributes, make([]any, len(fields)))
		if err != nil {
			return err
		}
		if _, err := local.AddFeature(&host.Feature{Geometry: models.NewPoint(p.X, p.Y, p.Z), Attributes: attrs}); err != nil {
			return err
		}
	}

	for _, u := range req.Update {
		localID, ok := l.IDs().LocalFor(u.ID)
		if !ok {
			return NewNotFoundError("feature", u.ID)
		}
		current, ok := local.Feature(localID)
		if !ok {
			return NewNotFoundError("feature", u.ID)
		}
		for name, value := range u.Attributes {
			idx := slices.IndexFunc(fields, func(f models.Attribute) bool { return f.Name == name })
			if idx < 0 {
				return models.NewValidationError("attribute", name, errors.New("unknown field"))
			}
			if err := local.ChangeAttributeValue(localID, idx, models.ToLocalValue(value, fields[idx].Type)); err != nil {
				return err
			}
		}
		if u.X != nil || u.Y != nil || u.Z != nil {
			x, y, z, err := current.Geometry.Point()
			if err != nil {
				return err
			}
			if u.X != nil {
				x = *u.X
			}
			if u.Y != nil {
				y = *u.Y
			}
			if u.Z != nil {
				z = *u.Z
			}
			if err := local.ChangeGeometry(localID, models.NewPoint(x, y, z)); err != nil {
				return err
			}
		}
	}

	for _, remoteID := range req.Delete {
		localID, ok := l.IDs().LocalFor(remoteID)
		if !ok {
			return NewNotFoundError("feature", remoteID)
		}
		if err := local.DeleteFeature(localID); err != nil {
			return err
		}
	}

	// highest index first so earlier deletions do not shift later ones
	var drop []int
	for _, name := range req.DeleteAttributes {
		idx := slices.IndexFunc(fields, func(f models.Attribute) bool { return f.Name == name })
		if idx < 0 {
			return models.NewValidationError("attribute", name, errors.New("unknown field"))
		}
		drop = append(drop, idx)
	}
	slices.Sort(drop)
	// A name listed twice is deleted once.
	drop = slices.Compact(drop)
	for i := len(drop) - 1; i >= 0; i-- {
		if err := local.DeleteAttribute(drop[i]); err != nil {
			return err
		}
	}

	return local.CommitChanges()
}

// attributeValues fills out from named values converted to the field types.
func attributeValues(fields []models.Attribute, named map[string]any, out []any) ([]any, error) {
	for name, value := range named {
		idx := slices.IndexFunc(fields, func(f models.Attribute) bool { return f.Name == name })
		if idx < 0 {
			return nil, models.NewValidationError("attribute", name, errors.New("unknown field"))
		}
		out[idx] = models.ToLocalValue(value, fields[idx].Type)
	}
	return out, nil
}
