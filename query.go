package shapefile

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/tingold/orb-shapefile/internal/predicate"
)

// feature materializes record id of ds around an already decoded geometry.
// It returns nil for a deleted record.
func (ds *dataset) feature(id uint32, geom orb.Geometry) (*geojson.Feature, error) {
	deleted, values, err := ds.attrs.ReadRecord(id)
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, nil
	}

	fields := ds.attrs.Fields()
	f := geojson.NewFeature(geom)
	f.ID = id
	f.Properties = make(geojson.Properties, len(fields))
	for i, fd := range fields {
		f.Properties[fd.Name] = values[i]
	}
	return f, nil
}

func (ds *dataset) checkID(id uint32) error {
	if id >= ds.count {
		return fmt.Errorf("%w: %d of %d", ErrRecordNotFound, id, ds.count)
	}
	return nil
}

// GetGeometryByID reads the geometry of record id. A Null shape yields a nil
// geometry and a nil error. With an attribute filter installed the whole
// record is read and a record failing the filter, or a deleted one, also
// yields nil.
func (s *ShapeFile) GetGeometryByID(id uint32) (orb.Geometry, error) {
	ds, filter, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer s.release(ds)
	if err := ds.checkID(id); err != nil {
		return nil, err
	}
	s.opts.Metrics.query(queryByID)

	geom, err := ds.geom.ReadGeometry(id)
	if err != nil || filter == nil {
		return geom, err
	}
	f, err := ds.feature(id, geom)
	if err != nil || f == nil || !filter(f) {
		return nil, err
	}
	return geom, nil
}

// GetFeatureByID reads record id with its attributes. It returns nil
// without error when the record is deleted or fails the attribute filter.
func (s *ShapeFile) GetFeatureByID(id uint32) (*geojson.Feature, error) {
	ds, filter, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer s.release(ds)
	if err := ds.checkID(id); err != nil {
		return nil, err
	}
	s.opts.Metrics.query(queryByID)

	geom, err := ds.geom.ReadGeometry(id)
	if err != nil {
		return nil, err
	}
	f, err := ds.feature(id, geom)
	if err != nil || f == nil {
		return nil, err
	}
	if filter != nil && !filter(f) {
		return nil, nil
	}
	return f, nil
}

// candidates calls fn with every record id of ds whose bounding box
// intersects b. The caller holds s.mu or a reference to ds.
func (s *ShapeFile) candidates(ds *dataset, b orb.Bound, fn func(id uint32) bool) error {
	ix, err := s.spatialIndex(ds)
	if err != nil {
		return err
	}
	ix.tree.Search(b, func(id uint32) bool {
		if id >= ds.count {
			return true
		}
		return fn(id)
	})
	return nil
}

// GetObjectIDsInView returns the ids of the records whose bounding box
// intersects bound. The attribute filter is not applied and the result may
// include records whose geometry misses bound.
func (s *ShapeFile) GetObjectIDsInView(bound orb.Bound) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return nil, ErrNotOpen
	}
	s.opts.Metrics.query(queryIDs)

	var ids []uint32
	err := s.candidates(s.ds, bound, func(id uint32) bool {
		ids = append(ids, id)
		return true
	})
	return ids, err
}

// GetGeometriesInView returns the geometries of the records found by
// GetObjectIDsInView, skipping Null shapes.
func (s *ShapeFile) GetGeometriesInView(bound orb.Bound) ([]orb.Geometry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return nil, ErrNotOpen
	}
	s.opts.Metrics.query(queryIDs)

	var (
		geoms   []orb.Geometry
		readErr error
	)
	err := s.candidates(s.ds, bound, func(id uint32) bool {
		g, err := s.ds.geom.ReadGeometry(id)
		if err != nil {
			readErr = err
			return false
		}
		if g != nil {
			geoms = append(geoms, g)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return geoms, readErr
}

// ExecuteIntersectionQuery streams the features intersecting query to sink
// until sink returns false. An orb.Bound query matches records whose
// geometry bounding box intersects it; any other geometry is prepared once
// and tested exactly against each candidate. Deleted records, Null shapes
// and records failing the attribute filter are skipped. Result order is
// unspecified.
//
// The query reads the files that were open when it started and uses the
// attribute filter installed at that time. sink may call any method of the
// store, Close included; the query still runs to completion.
func (s *ShapeFile) ExecuteIntersectionQuery(query orb.Geometry, sink FeatureSink) error {
	if query == nil {
		return ErrNilGeometry
	}
	ds, filter, err := s.acquire()
	if err != nil {
		return err
	}
	defer s.release(ds)

	var (
		area  orb.Bound
		match func(orb.Geometry) bool
	)
	if b, ok := query.(orb.Bound); ok {
		s.opts.Metrics.query(queryBound)
		area = b
		match = func(g orb.Geometry) bool { return g.Bound().Intersects(b) }
	} else {
		s.opts.Metrics.query(queryGeometry)
		p := predicate.Prepare(query)
		area = p.Bound()
		match = p.Intersects
	}

	var (
		emitted int
		readErr error
	)
	err = s.candidates(ds, area, func(id uint32) bool {
		g, err := ds.geom.ReadGeometry(id)
		if err != nil {
			readErr = err
			return false
		}
		if g == nil || !match(g) {
			return true
		}
		f, err := ds.feature(id, g)
		if err != nil {
			readErr = err
			return false
		}
		if f == nil || (filter != nil && !filter(f)) {
			return true
		}
		emitted++
		return sink(f)
	})
	s.opts.Metrics.emitted(emitted)
	if err != nil {
		return err
	}
	return readErr
}

// GetFeaturesInView collects the features whose bounding box intersects
// bound.
func (s *ShapeFile) GetFeaturesInView(bound orb.Bound) ([]*geojson.Feature, error) {
	var out []*geojson.Feature
	err := s.ExecuteIntersectionQuery(bound, func(f *geojson.Feature) bool {
		out = append(out, f)
		return true
	})
	return out, err
}
