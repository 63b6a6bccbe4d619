// Package presence shows the positions broadcast by collaborators on a
// transient point layer.
package presence

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/golang/glog"
	"github.com/layersync/backend/internal/geo"
	"github.com/layersync/backend/internal/host"
	"github.com/layersync/backend/internal/models"
)

const (
	// DisplaySRID is the SRID of the presence layer.
	DisplaySRID = models.SRIDWGS84
	LayerName   = "Collaborator positions"

	clientIDKey = "presence_client_id"
)

var layerFields = []models.Attribute{{Name: "rotation", Type: models.AttrFloat}}

// Tracker keeps the last position of every collaborator and renders them.
// All methods must run on the dispatch loop.
type Tracker struct {
	project host.Project
	now     func() time.Time

	// states holds a nil entry for collaborators that joined without
	// reporting a position yet.
	states map[string]*models.PresencePoint
	// last holds the rendered positions, reprojected to DisplaySRID.
	last map[string]models.PresencePoint

	layer    host.EditableLayer
	follow   bool
	onChange func(hasPoint bool)
}

// NewTracker creates a tracker drawing on project.
func NewTracker(project host.Project) *Tracker {
	return &Tracker{
		project: project,
		now:     time.Now,
		states:  make(map[string]*models.PresencePoint),
		last:    make(map[string]models.PresencePoint),
	}
}

// OnChange registers fn, called after every render with whether any
// position is shown.
func (t *Tracker) OnChange(fn func(hasPoint bool)) {
	t.onChange = fn
}

// SetFollow makes the map recenter on the latest position after each
// render.
func (t *Tracker) SetFollow(follow bool) {
	t.follow = follow
}

func (t *Tracker) Following() bool {
	return t.follow
}

// Join registers collaborators. Their positions are unknown until they
// broadcast one.
func (t *Tracker) Join(clientIDs []string) {
	for _, id := range clientIDs {
		if _, ok := t.states[id]; !ok {
			t.states[id] = nil
		}
	}
}

// Leave forgets collaborators and redraws.
func (t *Tracker) Leave(clientIDs []string) {
	for _, id := range clientIDs {
		delete(t.states, id)
		delete(t.last, id)
	}
	t.render()
}

// HandlePosition records a position broadcast. Payloads without client id
// or without x, y and srid are ignored.
func (t *Tracker) HandlePosition(payload map[string]any) {
	id, _ := payload[clientIDKey].(string)
	if id == "" {
		return
	}
	x, okX := number(payload["x"])
	y, okY := number(payload["y"])
	srid, okS := number(payload["srid"])
	if !okX || !okY || !okS {
		glog.V(1).Infof("[Presence] ignoring incomplete position from %s", id)
		return
	}
	rotation, _ := number(payload["rotation"])
	t.states[id] = &models.PresencePoint{
		ClientID:   id,
		X:          x,
		Y:          y,
		SRID:       int(srid),
		Rotation:   rotation,
		ObservedAt: t.now(),
	}
	t.render()
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (t *Tracker) render() {
	if err := t.Render(); err != nil {
		glog.Warningf("[Presence] %v", err)
	}
}

// Render replaces the content of the presence layer with the known
// positions. Nothing is drawn while the project is empty.
func (t *Tracker) Render() error {
	if t.layer == nil && len(t.project.Layers()) == 0 {
		return nil
	}
	layer, err := t.ensureLayer()
	if err != nil {
		return err
	}
	if err := layer.Truncate(); err != nil {
		return fmt.Errorf("clearing presence layer: %w", err)
	}

	ids := make([]string, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var features []*host.Feature
	for _, id := range ids {
		p := t.states[id]
		if p == nil {
			continue
		}
		x, y, err := geo.Transform(p.X, p.Y, p.SRID, DisplaySRID)
		if err != nil {
			glog.Warningf("[Presence] position of %s: %v", id, err)
			continue
		}
		shown := *p
		shown.X, shown.Y, shown.SRID = x, y, DisplaySRID
		t.last[id] = shown
		features = append(features, &host.Feature{
			Geometry:   models.NewPoint(x, y, 0),
			Attributes: []any{rotationDegrees(p.Rotation)},
		})
	}
	if len(features) > 0 {
		if _, err := layer.AddFeatures(features); err != nil {
			return fmt.Errorf("drawing positions: %w", err)
		}
	}
	layer.TriggerRepaint()

	if t.onChange != nil {
		t.onChange(t.HasPresencePoint())
	}
	t.centerIfFollowing()
	return nil
}

// rotationDegrees converts a heading in radians to the clockwise marker
// angle in degrees.
func rotationDegrees(rad float64) float64 {
	return -rad * 180 / math.Pi
}

func (t *Tracker) ensureLayer() (host.EditableLayer, error) {
	if t.layer != nil {
		if _, ok := t.project.Layer(t.layer.ID()); ok {
			return t.layer, nil
		}
	}
	layer, err := t.project.NewLayer(LayerName, models.GeometryPoint, DisplaySRID, layerFields)
	if err != nil {
		return nil, fmt.Errorf("creating presence layer: %w", err)
	}
	if err := t.project.AddLayer(layer); err != nil {
		return nil, fmt.Errorf("adding presence layer: %w", err)
	}
	t.layer = layer
	return layer, nil
}

func (t *Tracker) centerIfFollowing() {
	if !t.follow || len(t.last) == 0 {
		return
	}
	latest := slices.MaxFunc(t.Points(), func(a, b models.PresencePoint) int {
		return a.ObservedAt.Compare(b.ObservedAt)
	})
	x, y, err := geo.Transform(latest.X, latest.Y, latest.SRID, t.project.CanvasSRID())
	if err != nil {
		glog.Warningf("[Presence] centering on %s: %v", latest.ClientID, err)
		return
	}
	t.project.SetCenter(x, y)
	t.project.Refresh()
}

// HasPresencePoint reports whether any position is shown.
func (t *Tracker) HasPresencePoint() bool {
	return len(t.last) > 0
}

// Points returns the shown positions ordered by client id.
func (t *Tracker) Points() []models.PresencePoint {
	out := make([]models.PresencePoint, 0, len(t.last))
	for _, p := range t.last {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b models.PresencePoint) int { return cmp.Compare(a.ClientID, b.ClientID) })
	return out
}

// Layer returns the presence layer if it was created.
func (t *Tracker) Layer() (host.EditableLayer, bool) {
	return t.layer, t.layer != nil
}

// Close removes the presence layer from the project. Failures are ignored.
func (t *Tracker) Close() {
	if t.layer == nil {
		return
	}
	if err := t.project.RemoveLayer(t.layer.ID()); err != nil {
		glog.V(1).Infof("[Presence] removing presence layer: %v", err)
	}
	t.project.Refresh()
	t.layer = nil
}
