package engine

import (
	"github.com/layersync/backend/internal/host"
)

// ChangeSet buffers the local edits of one layer between two commits.
type ChangeSet struct {
	inserted           [][]*host.Feature
	updated            []host.FeatureID
	deleted            []host.FeatureID
	attributesModified bool

	// manuallyUpdated holds remote ids this process pushed an update for.
	// Each entry absorbs exactly one inbound update notification.
	manuallyUpdated map[string]struct{}
}

// NewChangeSet creates an empty change set.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{manuallyUpdated: make(map[string]struct{})}
}

// IsEmpty reports whether nothing is waiting for the next commit.
func (c *ChangeSet) IsEmpty() bool {
	return len(c.inserted) == 0 && len(c.updated) == 0 && len(c.deleted) == 0 && !c.attributesModified
}

func (c *ChangeSet) addInserted(features []*host.Feature) {
	if len(features) > 0 {
		c.inserted = append(c.inserted, features)
	}
}

func (c *ChangeSet) addUpdated(ids []host.FeatureID) {
	c.updated = append(c.updated, ids...)
}

func (c *ChangeSet) addDeleted(ids []host.FeatureID) {
	c.deleted = append(c.deleted, ids...)
}

// drain returns the buffered edits and resets the change set. The manually
// updated set survives since inbound notifications consume it.
func (c *ChangeSet) drain() (inserted [][]*host.Feature, updated, deleted []host.FeatureID, attributesModified bool) {
	inserted, updated, deleted, attributesModified = c.inserted, c.updated, c.deleted, c.attributesModified
	c.inserted, c.updated, c.deleted, c.attributesModified = nil, nil, nil, false
	return
}

func (c *ChangeSet) markManuallyUpdated(remote string) {
	c.manuallyUpdated[remote] = struct{}{}
}

// consumeManuallyUpdated removes remote from the set and reports whether it
// was present.
func (c *ChangeSet) consumeManuallyUpdated(remote string) bool {
	if _, ok := c.manuallyUpdated[remote]; !ok {
		return false
	}
	delete(c.manuallyUpdated, remote)
	return true
}

// Reset clears everything, including the manually updated set.
func (c *ChangeSet) Reset() {
	c.drain()
	clear(c.manuallyUpdated)
}
