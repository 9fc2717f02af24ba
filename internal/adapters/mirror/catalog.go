// Package mirror implements the tile backend on top of an object-storage
// mirror that carries a catalog.yaml and per-version region packs.
package mirror

import (
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jobrunner/offgrid/internal/domain"
)

// catalogFile is the on-disk layout of catalog.yaml.
type catalogFile struct {
	Versions []string        `yaml:"versions"`
	Regions  []catalogRegion `yaml:"regions"`
}

type catalogRegion struct {
	ID          string    `yaml:"id"`
	Revision    uint32    `yaml:"revision"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	LastUpdated time.Time `yaml:"last_updated"`
	BBox        []float64 `yaml:"bbox"`
}

func parseCatalog(r io.Reader) (*catalogFile, error) {
	var c catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return &c, nil
		}
		return nil, fmt.Errorf("parsing catalog: %v: %w", err, domain.ErrInvalidInput)
	}
	return &c, nil
}

func (r catalogRegion) metadata() (domain.RegionMetadata, error) {
	if r.ID == "" {
		return domain.RegionMetadata{}, &domain.ValidationError{
			Field:      "id",
			Value:      r.ID,
			Constraint: "non-empty",
			Message:    "region id is required",
		}
	}
	rect, err := domain.RectangleFromBBox(r.BBox)
	if err != nil {
		return domain.RegionMetadata{}, fmt.Errorf("region %s: %w", r.ID, err)
	}
	return domain.RegionMetadata{
		ID:          r.ID,
		Revision:    r.Revision,
		Name:        r.Name,
		Description: r.Description,
		LastUpdated: r.LastUpdated.UTC(),
		Geography:   rect,
	}, nil
}
