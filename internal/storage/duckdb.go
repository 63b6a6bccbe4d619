package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/marcboeker/go-duckdb"

	"github.com/layersync/backend/internal/host"
	"github.com/layersync/backend/internal/models"
)

// Options tunes the DuckDB connection.
type Options struct {
	Threads     int
	MemoryLimit string
}

// Database keeps the committed features of every host layer in one DuckDB
// file. Rows are a local cache of the remote layers: they are dropped when a
// layer closes and leftovers from a previous run are purged on open.
type Database struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path. An empty path keeps the
// database in memory.
func Open(path string, opts Options) (*Database, error) {
	pragmas := []string{"PRAGMA enable_progress_bar=false"}
	if opts.Threads > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA threads=%d", opts.Threads))
	}
	if opts.MemoryLimit != "" {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA memory_limit='%s'", strings.ReplaceAll(opts.MemoryLimit, "'", "")))
	}

	connector, err := duckdb.NewConnector(path, func(execer driver.ExecerContext) error {
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return fmt.Errorf("%s: %w", pragma, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS features (
			layer_id VARCHAR NOT NULL,
			fid      BIGINT NOT NULL,
			geom     VARCHAR NOT NULL,
			attrs    VARCHAR NOT NULL,
			PRIMARY KEY (layer_id, fid)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	res, err := db.Exec("DELETE FROM features")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to purge features: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		glog.Infof("[Storage] Purged %d cached features from %s", n, path)
	}

	glog.Infof("[Storage] Feature database ready at %q", path)
	return &Database{db: db, path: path}, nil
}

// StoreFactory returns a host.StoreFactory opening one LayerStore per layer.
func (d *Database) StoreFactory() host.StoreFactory {
	return func(layerID string, _ []models.Attribute) (host.FeatureStore, error) {
		return d.Layer(layerID), nil
	}
}

// Layer returns the store of one layer.
func (d *Database) Layer(layerID string) *LayerStore {
	return &LayerStore{db: d.db, layerID: layerID}
}

// Counts returns the number of cached features per layer.
func (d *Database) Counts() (map[string]int, error) {
	rows, err := d.db.Query("SELECT layer_id, COUNT(*) FROM features GROUP BY layer_id")
	if err != nil {
		return nil, fmt.Errorf("counting features: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// Close closes the database.
func (d *Database) Close() error {
	return d.db.Close()
}

// LayerStore is the host.FeatureStore of one layer.
type LayerStore struct {
	db      *sql.DB
	layerID string
}

func (s *LayerStore) Put(f *host.Feature) error {
	geom, err := json.Marshal(f.Geometry)
	if err != nil {
		return fmt.Errorf("encoding geometry of %d: %w", f.ID, err)
	}
	attrs, err := encodeAttributes(f.Attributes)
	if err != nil {
		return fmt.Errorf("encoding attributes of %d: %w", f.ID, err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO features (layer_id, fid, geom, attrs) VALUES (?, ?, ?, ?)",
		s.layerID, int64(f.ID), string(geom), string(attrs),
	)
	if err != nil {
		return fmt.Errorf("storing feature %d: %w", f.ID, err)
	}
	return nil
}

func (s *LayerStore) Delete(id host.FeatureID) error {
	res, err := s.db.Exec("DELETE FROM features WHERE layer_id = ? AND fid = ?", s.layerID, int64(id))
	if err != nil {
		return fmt.Errorf("deleting feature %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("feature %d not found", id)
	}
	return nil
}

func (s *LayerStore) Get(id host.FeatureID) (*host.Feature, bool, error) {
	row := s.db.QueryRow("SELECT fid, geom, attrs FROM features WHERE layer_id = ? AND fid = ?", s.layerID, int64(id))
	f, err := scanFeature(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

// All returns the features ordered by id.
func (s *LayerStore) All() ([]*host.Feature, error) {
	rows, err := s.db.Query("SELECT fid, geom, attrs FROM features WHERE layer_id = ? ORDER BY fid", s.layerID)
	if err != nil {
		return nil, fmt.Errorf("listing features: %w", err)
	}
	defer rows.Close()

	var out []*host.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *LayerStore) Truncate() error {
	if _, err := s.db.Exec("DELETE FROM features WHERE layer_id = ?", s.layerID); err != nil {
		return fmt.Errorf("truncating layer %s: %w", s.layerID, err)
	}
	return nil
}

// Close drops the layer's rows. The database itself stays open.
func (s *LayerStore) Close() error {
	return s.Truncate()
}

var _ host.FeatureStore = (*LayerStore)(nil)

type scanner interface {
	Scan(dest ...any) error
}

func scanFeature(row scanner) (*host.Feature, error) {
	var (
		fid   int64
		geom  string
		attrs string
	)
	if err := row.Scan(&fid, &geom, &attrs); err != nil {
		return nil, err
	}

	f := &host.Feature{ID: host.FeatureID(fid)}
	if err := json.Unmarshal([]byte(geom), &f.Geometry); err != nil {
		return nil, fmt.Errorf("decoding geometry of %d: %w", fid, err)
	}
	f.Geometry.Coordinates = normalizeCoordinates(f.Geometry.Coordinates)

	values, err := decodeAttributes([]byte(attrs))
	if err != nil {
		return nil, fmt.Errorf("decoding attributes of %d: %w", fid, err)
	}
	f.Attributes = values
	return f, nil
}

// normalizeCoordinates turns a decoded flat number list back into []float64
// so point geometries read back the way they were written.
func normalizeCoordinates(c any) any {
	list, ok := c.([]any)
	if !ok {
		return c
	}
	out := make([]float64, len(list))
	for i, v := range list {
		f, ok := v.(float64)
		if !ok {
			return c
		}
		out[i] = f
	}
	return out
}
