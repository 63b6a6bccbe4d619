// Package manifest reads layer import manifests: a YAML list of GeoJSON
// sources with their SRID and optional attribute schema.
package manifest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/layersync/backend/internal/host"
	"github.com/layersync/backend/internal/models"
)

var ErrEmptyManifest = errors.New("manifest lists no layers")

// Manifest is the root of a manifest file.
type Manifest struct {
	Layers []LayerSpec `yaml:"layers"`

	dir string
}

// LayerSpec describes one layer to import.
type LayerSpec struct {
	Name       string             `yaml:"name"`
	Source     string             `yaml:"source"`
	SRID       int                `yaml:"srid"`
	Temporary  bool               `yaml:"temporary"`
	Attributes []models.Attribute `yaml:"attributes"`
}

// Parse reads a manifest file. Relative sources resolve against its directory.
func Parse(path string) (*Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	m, err := ParseFromReader(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// ParseFromReader parses a manifest from an io.Reader.
func ParseFromReader(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every entry before anything is read or uploaded.
func (m *Manifest) Validate() error {
	if len(m.Layers) == 0 {
		return ErrEmptyManifest
	}
	seen := make(map[string]bool, len(m.Layers))
	for i, spec := range m.Layers {
		if spec.Name == "" {
			return models.NewValidationError(fmt.Sprintf("layers[%d].name", i), spec.Name, nil)
		}
		if seen[spec.Name] {
			return models.NewValidationError("layer name", spec.Name, errors.New("duplicate"))
		}
		seen[spec.Name] = true
		if spec.Source == "" {
			return models.NewValidationError(spec.Name+".source", spec.Source, nil)
		}
		if !models.IsSupportedSRID(spec.SRID) {
			return models.NewValidationError(spec.Name+".srid", spec.SRID, models.ErrUnsupportedSRID)
		}
		for _, a := range spec.Attributes {
			if !a.Type.Valid() {
				return models.NewValidationError(spec.Name+".attributes", a.Name+":"+string(a.Type), nil)
			}
		}
	}
	return nil
}

// SourcePath returns the absolute path of a layer's GeoJSON source.
func (m *Manifest) SourcePath(spec LayerSpec) string {
	if filepath.IsAbs(spec.Source) || m.dir == "" {
		return spec.Source
	}
	return filepath.Join(m.dir, spec.Source)
}

// Build reads the source of spec into a detached memory layer.
func (m *Manifest) Build(spec LayerSpec) (*host.MemoryLayer, error) {
	file, err := os.Open(m.SourcePath(spec))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadGeoJSON(file, spec.Name, spec.SRID, spec.Attributes)
}
