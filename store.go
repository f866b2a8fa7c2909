package shapefile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/paulmach/orb"
	"golang.org/x/text/encoding"

	"github.com/tingold/orb-shapefile/internal/dbf"
	"github.com/tingold/orb-shapefile/internal/shp"
	"github.com/tingold/orb-shapefile/internal/sidx"
)

// ShapeFile is a feature store bound to one shapefile dataset.
//
// Queries may run concurrently from any number of goroutines. A query pins
// the files it started on, so Close and RebuildSpatialIndex never invalidate
// it and the files stay open until the last such query returns. Callbacks
// run without any store lock held and may call back into the store.
type ShapeFile struct {
	base string // dataset path without extension
	shp  string
	key  string // cache key
	opts Options

	mu      sync.RWMutex
	open    bool
	ds      *dataset
	srid    int
	sridSet bool
	wkt     string
	filter  AttributeFilter

	idxMu sync.Mutex
	index *Index
}

// New creates a closed store for the dataset at path, which may name the
// .shp file or the dataset without extension. A nil opts uses
// DefaultOptions.
func New(path string, opts *Options) *ShapeFile {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.Logger == nil {
		o.Logger = NopLogger{}
	}

	base := trimShp(path)
	s := &ShapeFile{
		base: base,
		opts: o,
		srid: o.SRID,
	}
	s.shp = s.sidecar(".shp")
	s.key = datasetKey(path)
	return s
}

func trimShp(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".shp") {
		return strings.TrimSuffix(path, filepath.Ext(path))
	}
	return path
}

// datasetKey is the absolute .shp path used to key shared indexes.
func datasetKey(path string) string {
	p := trimShp(path) + ".shp"
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// sidecar returns the path of the dataset file with extension ext, trying
// the lower and upper case spellings in turn. When neither exists the lower
// case path is returned.
func (s *ShapeFile) sidecar(ext string) string {
	for _, e := range []string{strings.ToLower(ext), strings.ToUpper(ext)} {
		p := s.base + e
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return s.base + strings.ToLower(ext)
}

// Open acquires the dataset files and parses their headers. Opening an open
// store is a no-op.
func (s *ShapeFile) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	if err := s.openReaders(); err != nil {
		return err
	}
	s.loadProjection()
	s.open = true
	return nil
}

// dataset is one opening of the dataset files. The store holds a reference
// while open and every running query holds another; the files are closed
// with the last reference.
type dataset struct {
	path  string
	geom  *shp.Reader
	attrs *dbf.Reader
	count uint32 // records addressable by both readers
	meta  sidx.Meta
	refs  atomic.Int32
}

func (d *dataset) acquire() { d.refs.Add(1) }

// release drops a reference and closes the files when it was the last one.
func (d *dataset) release() error {
	if d.refs.Add(-1) > 0 {
		return nil
	}
	return errors.Join(d.geom.Close(), d.attrs.Close())
}

// openReaders opens the dataset files and makes them current. The caller
// holds s.mu for writing.
func (s *ShapeFile) openReaders() error {
	s.shp = s.sidecar(".shp")
	geom, err := shp.Open(s.shp, s.sidecar(".shx"))
	if err != nil {
		return err
	}
	attrs, err := dbf.Open(s.sidecar(".dbf"), s.opts.Encoding)
	if err != nil {
		_ = geom.Close()
		return err
	}
	if !attrs.EncodingResolved() {
		s.opts.Logger.Warn("code page not resolved, decoding strings as UTF-8",
			"path", s.shp, "language_driver", attrs.Header().LanguageDriver)
	}

	ds := &dataset{
		path:  s.shp,
		geom:  geom,
		attrs: attrs,
		meta:  datasetMeta(geom),
		count: attrs.NumRecords(),
	}
	ds.refs.Store(1)
	if n := geom.NumRecords(); n != ds.count {
		s.opts.Logger.Warn("shx and dbf record counts differ",
			"path", s.shp, "shx", n, "dbf", ds.count)
		if n < ds.count {
			ds.count = n
		}
	}
	s.ds = ds
	return nil
}

// closeReaders drops the store's reference to the current files. The caller
// holds s.mu for writing.
func (s *ShapeFile) closeReaders() error {
	ds := s.ds
	s.ds = nil
	return ds.release()
}

// acquire pins the open dataset and the installed filter for a call that
// runs caller code. The pin is dropped with release.
func (s *ShapeFile) acquire() (*dataset, AttributeFilter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return nil, nil, ErrNotOpen
	}
	s.ds.acquire()
	return s.ds, s.filter, nil
}

func (s *ShapeFile) release(ds *dataset) {
	if err := ds.release(); err != nil {
		s.opts.Logger.Warn("closing dataset", "path", ds.path, "error", err)
	}
}

// loadProjection reads the .prj once per Open. The SRID is taken from its
// EPSG authority unless SetSRID was called.
func (s *ShapeFile) loadProjection() {
	data, err := os.ReadFile(s.sidecar(".prj"))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.opts.Logger.Warn("projection file unreadable", "path", s.shp, "error", err)
		}
		s.wkt = ""
		return
	}
	s.wkt = strings.TrimSpace(string(data))
	if s.sridSet {
		return
	}
	if code, ok := sridFromWKT(s.wkt); ok {
		s.srid = code
	}
}

// Close releases the dataset files. Closing a closed store is a no-op.
// Queries still running keep their files open until they return, and calls
// made after Close fail with ErrNotOpen. A built index is kept and reused
// after a later Open if the dataset has not changed.
func (s *ShapeFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	if err := s.closeReaders(); err != nil {
		return fmt.Errorf("shapefile: close %s: %w", s.shp, err)
	}
	return nil
}

// IsOpen reports whether the store is open.
func (s *ShapeFile) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// ConnectionID returns the .shp path.
func (s *ShapeFile) ConnectionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shp
}

// SRID returns the spatial reference id.
func (s *ShapeFile) SRID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.srid
}

// SetSRID overrides the spatial reference id, including one derived from
// the .prj file.
func (s *ShapeFile) SetSRID(srid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.srid, s.sridSet = srid, true
}

// Projection returns the well-known text of the .prj file, or "" when the
// dataset has none.
func (s *ShapeFile) Projection() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return "", ErrNotOpen
	}
	return s.wkt, nil
}

// SetFilter installs an attribute filter; nil removes it.
func (s *ShapeFile) SetFilter(f AttributeFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
}

// Filter returns the installed attribute filter.
func (s *ShapeFile) Filter() AttributeFilter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// SetEncoding overrides the string field encoding. A nil enc restores code
// page detection. The override survives Close and Open.
func (s *ShapeFile) SetEncoding(enc encoding.Encoding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Encoding = enc
	if s.open {
		s.ds.attrs.SetEncoding(enc)
	}
}

// Encoding returns the encoding used for string fields. It is nil for a
// closed store without an override.
func (s *ShapeFile) Encoding() encoding.Encoding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.open {
		return s.ds.attrs.Encoding()
	}
	return s.opts.Encoding
}

// Fields returns the attribute schema.
func (s *ShapeFile) Fields() ([]Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return nil, ErrNotOpen
	}
	return s.ds.attrs.Fields(), nil
}

// RecordDeleted reports whether record id carries the deletion flag.
func (s *ShapeFile) RecordDeleted(id uint32) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return false, ErrNotOpen
	}
	return s.ds.attrs.RecordDeleted(id)
}

// GetFeatureCount returns the record count of the attribute table,
// regardless of deletion flags and filters.
func (s *ShapeFile) GetFeatureCount() (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return 0, ErrNotOpen
	}
	return s.ds.attrs.NumRecords(), nil
}

// GetExtents returns the extent of the dataset. Once the spatial index
// exists its extent, computed from the records, replaces the one declared
// in the .shp header. An empty dataset has a zero extent.
func (s *ShapeFile) GetExtents() (orb.Bound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return orb.Bound{}, ErrNotOpen
	}

	s.idxMu.Lock()
	ix := s.index
	s.idxMu.Unlock()
	if ix != nil && ix.matches(s.ds.meta) {
		if b, ok := ix.Bound(); ok {
			return b, nil
		}
		return orb.Bound{}, nil
	}
	b, _ := s.ds.geom.Header().Bound()
	return b, nil
}
