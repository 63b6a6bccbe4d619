package models

import "fmt"

// AttributeType is the declared type of a layer attribute.
type AttributeType string

const (
	AttrBool     AttributeType = "bool"
	AttrInt      AttributeType = "int"
	AttrFloat    AttributeType = "float"
	AttrString   AttributeType = "str"
	AttrDate     AttributeType = "date"
	AttrTime     AttributeType = "time"
	AttrDateTime AttributeType = "datetime"
)

// Valid reports whether t is a known attribute type.
func (t AttributeType) Valid() bool {
	switch t {
	case AttrBool, AttrInt, AttrFloat, AttrString, AttrDate, AttrTime, AttrDateTime:
		return true
	}
	return false
}

// Attribute is one column of a layer's attribute schema.
type Attribute struct {
	Name string        `json:"name" yaml:"name" msgpack:"name"`
	Type AttributeType `json:"type" yaml:"type" msgpack:"type"`
}

// LayerRecord is a row of the remote layer catalog.
type LayerRecord struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	GeometryType GeometryKind `json:"geometry_type"`
	SRID         int          `json:"srid"`
	Attributes   []Attribute  `json:"attributes"`
	ParentID     string       `json:"parent_id,omitempty"`
	Temporary    bool         `json:"temporary"`
}

// Validate checks the geometry kind, SRID and attribute types.
func (r LayerRecord) Validate() error {
	if r.ID == "" {
		return NewValidationError("id", r.ID, nil)
	}
	if !r.GeometryType.Valid() {
		return NewValidationError("geometry_type", r.GeometryType, ErrUnsupportedGeometry)
	}
	if !IsSupportedSRID(r.SRID) {
		return NewValidationError("srid", r.SRID, ErrUnsupportedSRID)
	}
	for _, a := range r.Attributes {
		if !a.Type.Valid() {
			return NewValidationError("attribute type", fmt.Sprintf("%s:%s", a.Name, a.Type), nil)
		}
	}
	return nil
}

// IsSubLayer reports whether the layer has a parent.
func (r LayerRecord) IsSubLayer() bool {
	return r.ParentID != ""
}
