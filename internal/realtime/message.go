package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/layersync/backend/internal/models"
)

// Phoenix channel events.
const (
	eventJoin        = "phx_join"
	eventReply       = "phx_reply"
	eventError       = "phx_error"
	eventClose       = "phx_close"
	eventHeartbeat   = "heartbeat"
	eventAccessToken = "access_token"
	eventBroadcast   = "broadcast"
	eventChanges     = "postgres_changes"
	eventPresence    = "presence_state"
	eventPresenceDif = "presence_diff"
	eventSystem      = "system"

	topicPhoenix = "phoenix"
	topicPrefix  = "realtime:"
)

// Message is one frame of the Phoenix JSON protocol.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type broadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type presenceEntry struct {
	Metas []map[string]any `json:"metas"`
}

type presenceDiff struct {
	Joins  map[string]presenceEntry `json:"joins"`
	Leaves map[string]presenceEntry `json:"leaves"`
}

// ChangeType is the kind of a table change notification.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

var ErrMalformedChange = errors.New("malformed change notification")

// Change is a decoded table change notification.
type Change struct {
	Type   ChangeType
	Table  string
	Record models.FeatureRecord
	// Deleted is set for DELETE notifications, which only carry the old
	// record's key columns.
	Deleted DeletedRecord
}

// ID returns the id of the changed record.
func (c Change) ID() string {
	if c.Type == ChangeDelete {
		return c.Deleted.ID
	}
	return c.Record.ID
}

type changeEnvelope struct {
	Data struct {
		Type            ChangeType      `json:"type"`
		Table           string          `json:"table"`
		Schema          string          `json:"schema"`
		CommitTimestamp string          `json:"commit_timestamp"`
		Record          json.RawMessage `json:"record"`
		OldRecord       json.RawMessage `json:"old_record"`
	} `json:"data"`
}

// ParseChange decodes a postgres_changes payload. ok is false for change
// types that are not handled.
func ParseChange(payload []byte) (change Change, ok bool, err error) {
	var env changeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Change{}, false, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}
	change.Type = env.Data.Type
	change.Table = env.Data.Table

	switch env.Data.Type {
	case ChangeInsert, ChangeUpdate:
		if len(env.Data.Record) == 0 {
			return Change{}, false, fmt.Errorf("%w: %s without record", ErrMalformedChange, env.Data.Type)
		}
		if err := json.Unmarshal(env.Data.Record, &change.Record); err != nil {
			return Change{}, false, fmt.Errorf("%w: %v", ErrMalformedChange, err)
		}
		if change.Record.ID == "" {
			return Change{}, false, fmt.Errorf("%w: record without id", ErrMalformedChange)
		}
	case ChangeDelete:
		var old struct {
			ID      string `json:"id"`
			LayerID string `json:"layer_id"`
		}
		if err := json.Unmarshal(env.Data.OldRecord, &old); err != nil || old.ID == "" {
			return Change{}, false, fmt.Errorf("%w: DELETE without old record id", ErrMalformedChange)
		}
		change.Deleted = DeletedRecord{ID: old.ID, LayerID: old.LayerID}
	default:
		return Change{}, false, nil
	}
	return change, true, nil
}

// add appends the change to the batch.
func (b *Batch) add(c Change) {
	switch c.Type {
	case ChangeInsert:
		b.Inserts = append(b.Inserts, c.Record)
	case ChangeUpdate:
		b.Updates = append(b.Updates, c.Record)
	case ChangeDelete:
		b.Deletes = append(b.Deletes, c.Deleted)
	}
}
