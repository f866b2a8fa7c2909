package shapefile

import (
	"fmt"
	"sync"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/tingold/orb-shapefile/internal/predicate"
)

// MemoryProvider serves an in-memory feature collection through the
// Provider contract. Feature ids are positions in the collection.
//
// Every query works on its own shallow copy of the row slice and hands out
// copies of the features with cloned properties, so one query's filter or
// sink cannot affect what another query sees. Geometries are shared and
// must not be modified.
type MemoryProvider struct {
	id     string
	fields []Field

	mu     sync.RWMutex
	open   bool
	srid   int
	rows   []*geojson.Feature
	tree   *rtreego.Rtree
	bound  orb.Bound
	filter AttributeFilter
}

// indexedRow wraps a row for R-tree storage.
type indexedRow struct {
	id    uint32
	bound orb.Bound
}

// minExtent keeps point and axis-parallel rows at a non-zero size, which the
// R-tree requires.
const minExtent = 1e-9

// Bounds implements rtreego.Spatial.
func (r *indexedRow) Bounds() rtreego.Rect {
	return toRect(r.bound)
}

func toRect(b orb.Bound) rtreego.Rect {
	point := rtreego.Point{b.Min[0], b.Min[1]}
	lengths := []float64{b.Max[0] - b.Min[0], b.Max[1] - b.Min[1]}
	for i := range lengths {
		if lengths[i] < minExtent {
			lengths[i] = minExtent
		}
	}
	rect, _ := rtreego.NewRect(point, lengths)
	return rect
}

// NewMemoryProvider creates an open provider over the features of fc. id is
// reported as the connection id and fields as the schema; both may be
// empty.
func NewMemoryProvider(id string, fc *geojson.FeatureCollection, fields []Field) *MemoryProvider {
	p := &MemoryProvider{
		id:     id,
		fields: append([]Field(nil), fields...),
		open:   true,
		tree:   rtreego.NewTree(2, 25, 50),
	}
	if fc != nil {
		p.rows = append(p.rows, fc.Features...)
	}

	first := true
	for i, f := range p.rows {
		if f == nil || f.Geometry == nil {
			continue
		}
		b := f.Geometry.Bound()
		p.tree.Insert(&indexedRow{id: uint32(i), bound: b})
		if first {
			p.bound, first = b, false
		} else {
			p.bound = p.bound.Union(b)
		}
	}
	return p
}

// Open makes the provider queryable again after Close.
func (p *MemoryProvider) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = true
	return nil
}

// Close marks the provider closed. The features are kept.
func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = false
	return nil
}

func (p *MemoryProvider) IsOpen() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.open
}

func (p *MemoryProvider) ConnectionID() string { return p.id }

func (p *MemoryProvider) SRID() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.srid
}

func (p *MemoryProvider) SetSRID(srid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.srid = srid
}

// Projection returns "": features held in memory carry only an SRID.
func (p *MemoryProvider) Projection() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.open {
		return "", ErrNotOpen
	}
	return "", nil
}

// SetFilter installs an attribute filter; nil removes it.
func (p *MemoryProvider) SetFilter(f AttributeFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter = f
}

func (p *MemoryProvider) Fields() ([]Field, error) {
	if !p.IsOpen() {
		return nil, ErrNotOpen
	}
	return append([]Field(nil), p.fields...), nil
}

// snapshot returns a shallow copy of the rows and the filter, or ErrNotOpen.
func (p *MemoryProvider) snapshot() ([]*geojson.Feature, AttributeFilter, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.open {
		return nil, nil, ErrNotOpen
	}
	rows := make([]*geojson.Feature, len(p.rows))
	copy(rows, p.rows)
	return rows, p.filter, nil
}

func (p *MemoryProvider) GetExtents() (orb.Bound, error) {
	if !p.IsOpen() {
		return orb.Bound{}, ErrNotOpen
	}
	return p.bound, nil
}

func (p *MemoryProvider) GetFeatureCount() (uint32, error) {
	rows, _, err := p.snapshot()
	return uint32(len(rows)), err
}

// row returns a copy of feature id with cloned properties and the id set.
func row(rows []*geojson.Feature, id uint32) *geojson.Feature {
	src := rows[id]
	if src == nil {
		return nil
	}
	f := *src
	f.ID = id
	f.Properties = src.Properties.Clone()
	return &f
}

func (p *MemoryProvider) GetGeometryByID(id uint32) (orb.Geometry, error) {
	f, err := p.GetFeatureByID(id)
	if err != nil || f == nil {
		return nil, err
	}
	return f.Geometry, nil
}

func (p *MemoryProvider) GetFeatureByID(id uint32) (*geojson.Feature, error) {
	rows, filter, err := p.snapshot()
	if err != nil {
		return nil, err
	}
	if int(id) >= len(rows) {
		return nil, fmt.Errorf("%w: %d of %d", ErrRecordNotFound, id, len(rows))
	}
	f := row(rows, id)
	if f == nil || (filter != nil && !filter(f)) {
		return nil, nil
	}
	return f, nil
}

// search returns the ids of rows whose bound intersects b, touching
// included.
func (p *MemoryProvider) search(b orb.Bound) []uint32 {
	// rtreego treats touching rectangles as disjoint; grow the query and
	// filter exactly below
	q := b.Pad(minExtent)
	var ids []uint32
	for _, s := range p.tree.SearchIntersect(toRect(q)) {
		r := s.(*indexedRow)
		if r.bound.Intersects(b) {
			ids = append(ids, r.id)
		}
	}
	return ids
}

func (p *MemoryProvider) GetObjectIDsInView(bound orb.Bound) ([]uint32, error) {
	if !p.IsOpen() {
		return nil, ErrNotOpen
	}
	return p.search(bound), nil
}

func (p *MemoryProvider) GetGeometriesInView(bound orb.Bound) ([]orb.Geometry, error) {
	rows, _, err := p.snapshot()
	if err != nil {
		return nil, err
	}
	ids := p.search(bound)
	geoms := make([]orb.Geometry, 0, len(ids))
	for _, id := range ids {
		if int(id) < len(rows) && rows[id] != nil && rows[id].Geometry != nil {
			geoms = append(geoms, rows[id].Geometry)
		}
	}
	return geoms, nil
}

func (p *MemoryProvider) ExecuteIntersectionQuery(query orb.Geometry, sink FeatureSink) error {
	if query == nil {
		return ErrNilGeometry
	}
	rows, filter, err := p.snapshot()
	if err != nil {
		return err
	}

	area := query.Bound()
	match := func(g orb.Geometry) bool { return g.Bound().Intersects(area) }
	if _, ok := query.(orb.Bound); !ok {
		match = predicate.Prepare(query).Intersects
	}

	for _, id := range p.search(area) {
		if int(id) >= len(rows) {
			continue
		}
		f := row(rows, id)
		if f == nil || f.Geometry == nil || !match(f.Geometry) {
			continue
		}
		if filter != nil && !filter(f) {
			continue
		}
		if !sink(f) {
			return nil
		}
	}
	return nil
}
