package models

import "time"

// PresencePoint is the last reported position of a collaborator.
type PresencePoint struct {
	ClientID   string    `json:"clientId"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	SRID       int       `json:"srid"`
	Rotation   float64   `json:"rotation"` // radians
	ObservedAt time.Time `json:"observedAt"`
}
