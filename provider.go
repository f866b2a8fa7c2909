package shapefile

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// FeatureSink receives the features of a query one at a time. Returning
// false stops the query.
type FeatureSink func(f *geojson.Feature) bool

// AttributeFilter decides whether a materialized feature is visible. It runs
// after the spatial tests.
type AttributeFilter func(f *geojson.Feature) bool

// Provider is the read contract shared by every feature source. Feature ids
// are zero-based record numbers. All methods except Open and Close return
// ErrNotOpen while the provider is closed.
type Provider interface {
	Open() error
	Close() error
	IsOpen() bool
	ConnectionID() string
	SRID() int
	SetSRID(srid int)

	// Projection returns the well-known text of the coordinate system, or
	// "" when the provider has none.
	Projection() (string, error)

	// Fields returns the attribute schema.
	Fields() ([]Field, error)
	GetExtents() (orb.Bound, error)
	GetFeatureCount() (uint32, error)
	GetGeometryByID(id uint32) (orb.Geometry, error)

	// GetObjectIDsInView returns the ids whose bounding box intersects
	// bound. It may include ids whose geometry does not.
	GetObjectIDsInView(bound orb.Bound) ([]uint32, error)
	GetGeometriesInView(bound orb.Bound) ([]orb.Geometry, error)

	// GetFeatureByID returns nil without error for a deleted or filtered
	// record.
	GetFeatureByID(id uint32) (*geojson.Feature, error)

	// ExecuteIntersectionQuery streams the features intersecting query to
	// sink. An orb.Bound query matches on bounding boxes; any other
	// geometry is tested exactly.
	ExecuteIntersectionQuery(query orb.Geometry, sink FeatureSink) error
}

var (
	_ Provider = (*ShapeFile)(nil)
	_ Provider = (*MemoryProvider)(nil)
)
