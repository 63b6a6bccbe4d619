package models

// FeatureRecord is the wire shape of a remote feature.
type FeatureRecord struct {
	ID         string         `json:"id" msgpack:"id"`
	LayerID    string         `json:"layer_id" msgpack:"layer_id"`
	Attributes map[string]any `json:"attributes" msgpack:"attributes"`
	Geom       Geometry       `json:"geom" msgpack:"geom"`
	ParentID   string         `json:"parent_id,omitempty" msgpack:"parent_id,omitempty"`
}

// GeometryKind returns the kind of the record's geometry.
func (r FeatureRecord) GeometryKind() (GeometryKind, error) {
	return r.Geom.Kind()
}
