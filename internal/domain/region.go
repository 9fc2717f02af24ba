package domain

import "time"

// OfflineRegionDomain is the usage domain of an offline pack.
type OfflineRegionDomain string

// Pack domains.
const (
	DomainMaps       OfflineRegionDomain = "maps"
	DomainNavigation OfflineRegionDomain = "navigation"
)

// ParseRegionDomain parses a persisted domain name.
func ParseRegionDomain(s string) (OfflineRegionDomain, error) {
	switch OfflineRegionDomain(s) {
	case DomainMaps, DomainNavigation:
		return OfflineRegionDomain(s), nil
	}
	return "", &ValidationError{
		Field:      "domain",
		Value:      s,
		Constraint: "maps|navigation",
		Message:    "unknown pack domain",
	}
}

// RegionKey identifies one catalog entry. Lookups use id and revision together.
type RegionKey struct {
	ID       string
	Revision uint32
}

// RegionMetadata is the backend-provided catalog record of a region.
type RegionMetadata struct {
	ID          string       // Machine-readable identifier
	Revision    uint32       // Numeric revision
	Name        string       // Human readable name
	Description string       // Human readable description
	LastUpdated time.Time    // When the region was last updated
	Geography   GeoRectangle // Extent of the region
}

// Key returns the compound id+revision key.
func (m RegionMetadata) Key() RegionKey {
	return RegionKey{ID: m.ID, Revision: m.Revision}
}

// SameAs reports whether every field of both records matches.
func (m RegionMetadata) SameAs(other RegionMetadata) bool {
	return m.Key() == other.Key() &&
		m.Name == other.Name &&
		m.Description == other.Description &&
		m.LastUpdated.Equal(other.LastUpdated) &&
		m.Geography == other.Geography
}

// OfflineRegionPack is a snapshot of one pack's download and unpack state.
// Fields other than Path and Bytes stay nil until the pack manifest is known.
type OfflineRegionPack struct {
	Path        string              // File path on disk the pack is written to
	Bytes       uint64              // Bytes downloaded so far
	TotalBytes  *uint64             // Total size of the pack
	URL         *string             // Where the pack can be downloaded from
	Format      *uint32             // Numeric format version
	DataVersion *string             // Data version identifier
	Error       *OfflineRegionError // Set when Status is errored
	Status      OfflineRegionStatus // Backend-reported lifecycle state
}

// Progress returns the downloaded fraction, or 0 when the total is unknown.
func (p *OfflineRegionPack) Progress() float64 {
	if p.TotalBytes == nil || *p.TotalBytes == 0 {
		return 0
	}
	return float64(p.Bytes) / float64(*p.TotalBytes)
}

// OfflineRegion is the read-only view of a catalog region and its packs.
type OfflineRegion struct {
	Metadata       RegionMetadata
	MapsPack       *OfflineRegionPack
	NavigationPack *OfflineRegionPack
}

// NewOfflineRegion builds a region from its metadata and optional packs.
func NewOfflineRegion(meta RegionMetadata, mapsPack, navigationPack *OfflineRegionPack) *OfflineRegion {
	return &OfflineRegion{
		Metadata:       meta,
		MapsPack:       mapsPack,
		NavigationPack: navigationPack,
	}
}

// ID returns the machine-readable identifier.
func (r *OfflineRegion) ID() string { return r.Metadata.ID }

// Revision returns the numeric revision.
func (r *OfflineRegion) Revision() uint32 { return r.Metadata.Revision }

// Name returns the human readable name.
func (r *OfflineRegion) Name() string { return r.Metadata.Name }

// Description returns the human readable description.
func (r *OfflineRegion) Description() string { return r.Metadata.Description }

// LastUpdated returns when the region was last updated.
func (r *OfflineRegion) LastUpdated() time.Time { return r.Metadata.LastUpdated }

// Geography returns the region extent.
func (r *OfflineRegion) Geography() GeoRectangle { return r.Metadata.Geography }

// Key returns the compound id+revision key.
func (r *OfflineRegion) Key() RegionKey { return r.Metadata.Key() }

// IsDownloaded reports whether any pack of the region is on disk.
func (r *OfflineRegion) IsDownloaded() bool {
	return r.MapsPack != nil || r.NavigationPack != nil
}

// Pack returns the pack for a domain.
func (r *OfflineRegion) Pack(d OfflineRegionDomain) *OfflineRegionPack {
	if d == DomainMaps {
		return r.MapsPack
	}
	return r.NavigationPack
}

// WithPack returns a copy of the region with the pack for d replaced.
func (r *OfflineRegion) WithPack(d OfflineRegionDomain, pack *OfflineRegionPack) *OfflineRegion {
	out := *r
	if d == DomainMaps {
		out.MapsPack = pack
	} else {
		out.NavigationPack = pack
	}
	return &out
}

// Equal compares the underlying catalog records only; pack state is ignored.
func (r *OfflineRegion) Equal(other *OfflineRegion) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Key() == other.Key()
}
