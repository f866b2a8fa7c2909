package shapefile

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/tingold/orb-shapefile/internal/shp"
	"github.com/tingold/orb-shapefile/internal/sidx"
)

// Reasons recorded in the index_builds_total counter.
const (
	buildMissing = "missing"
	buildStale   = "stale"
	buildForced  = "forced"
)

// datasetMeta identifies the version of the dataset that geom was opened
// on.
func datasetMeta(geom *shp.Reader) sidx.Meta {
	return sidx.Meta{
		Count:       geom.NumRecords(),
		Fingerprint: sidx.Fingerprint(geom.IndexData()),
	}
}

func (s *ShapeFile) heuristic(n int) sidx.Heuristic {
	if s.opts.Heuristic != nil {
		return *s.opts.Heuristic
	}
	return sidx.DefaultHeuristic(n)
}

// spatialIndex returns the index for ds, loading or building it on first
// use. The caller holds s.mu or a reference to ds.
func (s *ShapeFile) spatialIndex(ds *dataset) (*Index, error) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	meta := ds.meta
	if s.index != nil && s.index.matches(meta) {
		return s.index, nil
	}

	var (
		ix  *Index
		err error
	)
	if c := s.opts.IndexCache; c != nil {
		var hit bool
		ix, hit, err = c.getOrBuild(s.key, func(ix *Index) bool { return ix.matches(meta) }, func() (*Index, error) {
			return s.loadOrBuild(ds)
		})
		if err == nil {
			if hit {
				s.opts.Metrics.cache("hit")
			} else {
				s.opts.Metrics.cache("miss")
			}
		}
	} else {
		ix, err = s.loadOrBuild(ds)
	}
	if err != nil {
		return nil, err
	}
	s.index = ix
	return ix, nil
}

// SpatialIndex returns the index of the open dataset, loading or building it
// if no query has done so yet.
func (s *ShapeFile) SpatialIndex() (*Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return nil, ErrNotOpen
	}
	return s.spatialIndex(s.ds)
}

// loadOrBuild reads the .sidx file when it matches ds and builds the index
// from the records otherwise.
func (s *ShapeFile) loadOrBuild(ds *dataset) (*Index, error) {
	meta := ds.meta
	path := s.base + ".sidx"
	reason := buildMissing

	tree, err := sidx.Load(path, meta)
	switch {
	case err == nil:
		s.opts.Logger.Debug("spatial index loaded", "path", path, "entries", tree.Len())
		return &Index{tree: tree, meta: meta}, nil
	case errors.Is(err, ErrStaleIndex):
		s.opts.Logger.Warn("rebuilding stale spatial index", "error", err)
		reason = buildStale
	case !errors.Is(err, fs.ErrNotExist):
		s.opts.Logger.Warn("spatial index unreadable, rebuilding", "path", path, "error", err)
		reason = buildStale
	}

	ix, err := s.buildIndex(ds, reason)
	if err != nil {
		return nil, err
	}
	if s.opts.PersistIndex {
		s.persistIndex(ix)
	}
	return ix, nil
}

// buildIndex reads every record bounding box of ds and builds a tree over
// them.
func (s *ShapeFile) buildIndex(ds *dataset, reason string) (*Index, error) {
	start := time.Now()
	meta := ds.meta
	entries := make([]sidx.Entry, 0, meta.Count)
	for id := uint32(0); id < meta.Count; id++ {
		b, ok, err := ds.geom.ReadBound(id)
		if err != nil {
			return nil, fmt.Errorf("shapefile: index %s: %w", ds.path, err)
		}
		if ok {
			entries = append(entries, sidx.Entry{ID: id, Box: b})
		}
	}

	tree := sidx.Build(entries, s.heuristic(len(entries)))
	took := time.Since(start)
	s.opts.Metrics.built(reason, took)
	s.opts.Logger.Info("spatial index built",
		"path", ds.path, "reason", reason, "entries", tree.Len(), "depth", tree.Depth(), "took", took)
	return &Index{tree: tree, meta: meta}, nil
}

// persistIndex writes ix next to the dataset. Failures are logged.
func (s *ShapeFile) persistIndex(ix *Index) {
	path := s.base + ".sidx"
	if err := sidx.Save(path, ix.tree, ix.meta); err != nil {
		s.opts.Logger.Warn("spatial index not persisted", "path", path, "error", err)
		return
	}
	s.opts.Logger.Debug("spatial index persisted", "path", path)
}

// RebuildSpatialIndex reopens the dataset files and rebuilds the index from
// the records, replacing any cached or persisted copy. Use it after the
// dataset was edited externally. persist writes the new index to the .sidx
// file. Queries already running finish against the files they started on.
func (s *ShapeFile) RebuildSpatialIndex(persist bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}

	if err := s.closeReaders(); err != nil {
		s.opts.Logger.Warn("closing dataset before rebuild", "path", s.shp, "error", err)
	}
	if err := s.openReaders(); err != nil {
		s.open = false
		return err
	}

	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	ix, err := s.buildIndex(s.ds, buildForced)
	if err != nil {
		return err
	}
	if persist {
		s.persistIndex(ix)
	}
	if c := s.opts.IndexCache; c != nil {
		c.set(s.key, ix)
	}
	s.index = ix
	return nil
}
