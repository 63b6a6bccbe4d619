package engine

// EventType names an engine notification.
type EventType string

const (
	EventCatalogChanged EventType = "catalog_changed"
	EventLayerLoaded    EventType = "layer_loaded"
	EventLayerUnloaded  EventType = "layer_unloaded"
	EventLayerChanged   EventType = "layer_changed"
	EventCommitted      EventType = "committed"
	EventError          EventType = "error"
)

// Event is emitted on the dispatch loop when the engine state changes.
type Event struct {
	Type    EventType `json:"type"`
	LayerID string    `json:"layerId,omitempty"`
	Message string    `json:"message,omitempty"`
}
