package realtime

import "github.com/layersync/backend/internal/models"

// DeletedRecord identifies a deleted remote feature. LayerID is empty when
// the notification did not carry it.
type DeletedRecord struct {
	ID      string
	LayerID string
}

// Batch is the set of notifications received during one coalescing window,
// in arrival order within each kind.
type Batch struct {
	Inserts []models.FeatureRecord
	Updates []models.FeatureRecord
	Deletes []DeletedRecord
}

// IsEmpty reports whether the batch carries no notification.
func (b *Batch) IsEmpty() bool {
	return len(b.Inserts) == 0 && len(b.Updates) == 0 && len(b.Deletes) == 0
}

// Len returns the number of notifications in the batch.
func (b *Batch) Len() int {
	return len(b.Inserts) + len(b.Updates) + len(b.Deletes)
}

func (b *Batch) reset() {
	b.Inserts, b.Updates, b.Deletes = nil, nil, nil
}
