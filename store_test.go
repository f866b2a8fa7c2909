package shapefile

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/tingold/orb-shapefile/internal/dbf"
	"github.com/tingold/orb-shapefile/internal/shp"
)

func collectIDs(t *testing.T, p Provider, query orb.Geometry) []uint32 {
	t.Helper()
	var ids []uint32
	err := p.ExecuteIntersectionQuery(query, func(f *geojson.Feature) bool {
		ids = append(ids, f.ID.(uint32))
		return true
	})
	require.NoError(t, err)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sorted(ids []uint32) []uint32 {
	out := append([]uint32(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// expectedParcels lists the live parcel cells whose square intersects b.
func expectedParcels(b orb.Bound) []uint32 {
	var ids []uint32
	for i := 0; i < parcelGrid*parcelGrid; i++ {
		if i != parcelDeleted && parcelSquare(i).Bound().Intersects(b) {
			ids = append(ids, uint32(i))
		}
	}
	return ids
}

func TestOpenClose(t *testing.T) {
	path := writeParcels(t, t.TempDir())
	s := New(path, nil)

	assert.False(t, s.IsOpen())
	_, err := s.GetFeatureCount()
	assert.ErrorIs(t, err, ErrNotOpen)
	err = s.ExecuteIntersectionQuery(fullExtent, func(*geojson.Feature) bool { return true })
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, s.Open())
	require.NoError(t, s.Open())
	assert.True(t, s.IsOpen())
	assert.Equal(t, path, s.ConnectionID())

	n, err := s.GetFeatureCount()
	require.NoError(t, err)
	assert.Equal(t, uint32(parcelCount), n)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.IsOpen())

	_, err = s.GetFeatureByID(0)
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = s.GetObjectIDsInView(fullExtent)
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = s.GetExtents()
	assert.ErrorIs(t, err, ErrNotOpen)

	// reopen after close
	require.NoError(t, s.Open())
	assert.Len(t, collectIDs(t, s, fullExtent), parcelGrid*parcelGrid-1)
	require.NoError(t, s.Close())
}

func TestOpenMissingFiles(t *testing.T) {
	dir := t.TempDir()

	s := New(filepath.Join(dir, "nothing.shp"), nil)
	assert.ErrorIs(t, s.Open(), ErrFileNotFound)
	assert.False(t, s.IsOpen())

	// .shp and .shx without a .dbf
	path := writeParcels(t, dir)
	require.NoError(t, os.Remove(strings.TrimSuffix(path, ".shp")+".dbf"))
	s = New(path, nil)
	assert.ErrorIs(t, s.Open(), ErrFileNotFound)
	assert.False(t, s.IsOpen())
}

func TestOpenWithoutExtension(t *testing.T) {
	path := writeParcels(t, t.TempDir())
	s := New(strings.TrimSuffix(path, ".shp"), nil)
	require.NoError(t, s.Open())
	defer s.Close()

	assert.Equal(t, path, s.ConnectionID())
}

func TestOpenUpperCaseSidecars(t *testing.T) {
	dir := t.TempDir()
	path := writeParcels(t, dir)
	base := strings.TrimSuffix(path, ".shp")
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		require.NoError(t, os.Rename(base+ext, base+strings.ToUpper(ext)))
	}

	s := New(base+".SHP", nil)
	require.NoError(t, s.Open())
	defer s.Close()

	assert.Len(t, collectIDs(t, s, fullExtent), parcelGrid*parcelGrid-1)
}

func TestFields(t *testing.T) {
	s, _ := openParcels(t, nil)

	fields, err := s.Fields()
	require.NoError(t, err)
	require.Len(t, fields, 4)

	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"NAME", "POP", "AREA", "ACTIVE"}, names)
	assert.Equal(t, FieldString, fields[0].Type)
	assert.Equal(t, FieldInt32, fields[1].Type)
	assert.Equal(t, FieldFloat64, fields[2].Type)
	assert.Equal(t, FieldBool, fields[3].Type)
}

func TestGetExtents(t *testing.T) {
	s, _ := openParcels(t, nil)
	want := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{19, 19}}

	// header extent before the index exists
	b, err := s.GetExtents()
	require.NoError(t, err)
	assert.Equal(t, want, b)

	_, err = s.SpatialIndex()
	require.NoError(t, err)

	b, err = s.GetExtents()
	require.NoError(t, err)
	assert.Equal(t, want, b)
}

func TestExecuteIntersectionQuery_FullExtent(t *testing.T) {
	s, _ := openParcels(t, nil)

	ids := collectIDs(t, s, fullExtent)
	assert.Len(t, ids, parcelGrid*parcelGrid-1)
	assert.NotContains(t, ids, uint32(parcelDeleted))
	assert.NotContains(t, ids, uint32(parcelNull))

	seen := map[uint32]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}

	// the store's own extent finds every live record
	extent, err := s.GetExtents()
	require.NoError(t, err)
	n, err := s.GetFeatureCount()
	require.NoError(t, err)
	assert.Len(t, collectIDs(t, s, extent), int(n)-2)
}

func TestExecuteIntersectionQuery_Features(t *testing.T) {
	s, _ := openParcels(t, nil)

	var got []*geojson.Feature
	view := orb.Bound{Min: orb.Point{6.2, 0.2}, Max: orb.Point{6.8, 0.8}}
	err := s.ExecuteIntersectionQuery(view, func(f *geojson.Feature) bool {
		got = append(got, f)
		return true
	})
	require.NoError(t, err)
	require.Len(t, got, 1)

	f := got[0]
	assert.Equal(t, uint32(3), f.ID)
	assert.Equal(t, "parcel-3", f.Properties["NAME"])
	assert.Equal(t, int32(30), f.Properties["POP"])
	assert.Equal(t, 1.0, f.Properties["AREA"])
	assert.Equal(t, false, f.Properties["ACTIVE"])

	poly, ok := f.Geometry.(orb.Polygon)
	require.True(t, ok, "got %T", f.Geometry)
	assert.Equal(t, parcelSquare(3).Bound(), poly.Bound())
}

func TestExecuteIntersectionQuery_Geometry(t *testing.T) {
	s, _ := openParcels(t, nil)

	// an L through cells 0, 10 and 11 whose bounding box also covers cell 1
	query := orb.LineString{{0.5, 0.5}, {0.5, 2.5}, {2.5, 2.5}}

	ids, err := s.GetObjectIDsInView(query.Bound())
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 10, 11}, sorted(ids))

	exact := collectIDs(t, s, query)
	assert.Equal(t, []uint32{0, 10, 11}, exact)
	for _, id := range exact {
		assert.Contains(t, ids, id)
	}

	// a polygon covering the gap between cells touches nothing
	gap := orb.Polygon{{{1.2, 1.2}, {1.2, 1.8}, {1.8, 1.8}, {1.8, 1.2}, {1.2, 1.2}}}
	assert.Empty(t, collectIDs(t, s, gap))

	// a point inside a cell
	assert.Equal(t, []uint32{22}, collectIDs(t, s, orb.Point{4.5, 4.5}))
}

func TestExecuteIntersectionQuery_TouchingBound(t *testing.T) {
	s, _ := openParcels(t, nil)

	// shares only the corner (1, 1) with cell 0
	corner := orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{1.5, 1.5}}
	assert.Equal(t, []uint32{0}, collectIDs(t, s, corner))
}

func TestExecuteIntersectionQuery_StopsEarly(t *testing.T) {
	s, _ := openParcels(t, nil)

	calls := 0
	err := s.ExecuteIntersectionQuery(fullExtent, func(*geojson.Feature) bool {
		calls++
		return calls < 5
	})
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
}

func TestExecuteIntersectionQuery_NilQuery(t *testing.T) {
	s, _ := openParcels(t, nil)

	err := s.ExecuteIntersectionQuery(nil, func(*geojson.Feature) bool { return true })
	assert.ErrorIs(t, err, ErrNilGeometry)
}

func TestGetFeatureByID(t *testing.T) {
	s, _ := openParcels(t, nil)

	f, err := s.GetFeatureByID(12)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, uint32(12), f.ID)
	assert.Equal(t, "parcel-12", f.Properties["NAME"])
	assert.Equal(t, true, f.Properties["ACTIVE"])

	f, err = s.GetFeatureByID(parcelDeleted)
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = s.GetFeatureByID(parcelNull)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Nil(t, f.Geometry)
	assert.Equal(t, "empty", f.Properties["NAME"])

	_, err = s.GetFeatureByID(parcelCount)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestGetGeometryByID(t *testing.T) {
	s, _ := openParcels(t, nil)

	g, err := s.GetGeometryByID(5)
	require.NoError(t, err)
	assert.Equal(t, parcelSquare(5).Bound(), g.Bound())

	g, err = s.GetGeometryByID(parcelNull)
	require.NoError(t, err)
	assert.Nil(t, g)

	// geometry reads ignore the deletion flag without a filter
	g, err = s.GetGeometryByID(parcelDeleted)
	require.NoError(t, err)
	assert.NotNil(t, g)

	_, err = s.GetGeometryByID(parcelCount + 5)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestGetGeometriesInView(t *testing.T) {
	s, _ := openParcels(t, nil)

	view := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{3, 1}}
	geoms, err := s.GetGeometriesInView(view)
	require.NoError(t, err)
	assert.Len(t, geoms, 2)

	features, err := s.GetFeaturesInView(view)
	require.NoError(t, err)
	assert.Len(t, features, 2)
}

func TestAttributeFilter(t *testing.T) {
	s, _ := openParcels(t, nil)

	s.SetFilter(func(f *geojson.Feature) bool {
		pop, ok := f.Properties["POP"].(int32)
		return ok && pop >= 500
	})
	require.NotNil(t, s.Filter())

	ids := collectIDs(t, s, fullExtent)
	assert.Len(t, ids, 50)
	for _, id := range ids {
		assert.GreaterOrEqual(t, id, uint32(50))
	}

	f, err := s.GetFeatureByID(10)
	require.NoError(t, err)
	assert.Nil(t, f)

	g, err := s.GetGeometryByID(10)
	require.NoError(t, err)
	assert.Nil(t, g)

	g, err = s.GetGeometryByID(parcelDeleted)
	require.NoError(t, err)
	assert.Nil(t, g)

	g, err = s.GetGeometryByID(60)
	require.NoError(t, err)
	assert.NotNil(t, g)

	// candidates are not filtered
	all, err := s.GetObjectIDsInView(fullExtent)
	require.NoError(t, err)
	assert.Len(t, all, parcelGrid*parcelGrid)

	s.SetFilter(nil)
	assert.Len(t, collectIDs(t, s, fullExtent), parcelGrid*parcelGrid-1)
}

func TestConcurrentQueries(t *testing.T) {
	s, _ := openParcels(t, nil)

	full := collectIDs(t, s, fullExtent)
	inFull := make(map[uint32]bool, len(full))
	for _, id := range full {
		inFull[id] = true
	}

	const workers = 100
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	results := make([][]uint32, workers)
	views := make([]orb.Bound, workers)

	r := rand.New(rand.NewSource(7))
	for i := range views {
		x, y := r.Float64()*20, r.Float64()*20
		views[i] = orb.Bound{Min: orb.Point{x, y}, Max: orb.Point{x + r.Float64()*6, y + r.Float64()*6}}
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ids []uint32
			err := s.ExecuteIntersectionQuery(views[i], func(f *geojson.Feature) bool {
				ids = append(ids, f.ID.(uint32))
				return true
			})
			if err != nil {
				errs <- err
				return
			}
			results[i] = sorted(ids)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for i, ids := range results {
		for _, id := range ids {
			assert.True(t, inFull[id], "id %d outside the full extent result", id)
		}
		assert.Equal(t, expectedParcels(views[i]), ids, "view %v", views[i])
	}
}

func TestConcurrentQueriesAndClose(t *testing.T) {
	s, _ := openParcels(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ExecuteIntersectionQuery(fullExtent, func(*geojson.Feature) bool { return true })
			if err != nil {
				assert.ErrorIs(t, err, ErrNotOpen)
			}
		}()
	}
	require.NoError(t, s.Close())
	wg.Wait()
}

// runQuery runs fn in a goroutine and fails the test if it has not returned
// within a few seconds.
func runQuery(t *testing.T, fn func() error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("query did not return")
		return nil
	}
}

func TestExecuteIntersectionQuery_SinkCallsStoreDuringClose(t *testing.T) {
	s, _ := openParcels(t, nil)
	ds := s.ds

	var (
		count    int
		closeErr = make(chan error, 1)
	)
	err := runQuery(t, func() error {
		return s.ExecuteIntersectionQuery(fullExtent, func(f *geojson.Feature) bool {
			count++
			if count == 1 {
				go func() { closeErr <- s.Close() }()
				assert.Eventually(t, func() bool { return !s.IsOpen() }, 5*time.Second, time.Millisecond)
			}
			if count == 2 {
				_, err := s.GetFeatureByID(0)
				assert.ErrorIs(t, err, ErrNotOpen)
				_, err = s.GetExtents()
				assert.ErrorIs(t, err, ErrNotOpen)
			}
			return true
		})
	})
	require.NoError(t, err)
	require.NoError(t, <-closeErr)

	// the query kept its files until it returned
	assert.Equal(t, parcelGrid*parcelGrid-1, count)
	assert.Equal(t, int32(0), ds.refs.Load())
}

func TestExecuteIntersectionQuery_SinkCallsStore(t *testing.T) {
	s, _ := openParcels(t, nil)

	var ids []uint32
	err := runQuery(t, func() error {
		return s.ExecuteIntersectionQuery(fullExtent, func(f *geojson.Feature) bool {
			id := f.ID.(uint32)
			inView, err := s.GetObjectIDsInView(f.Geometry.Bound())
			assert.NoError(t, err)
			assert.Contains(t, inView, id)
			_, err = s.GetExtents()
			assert.NoError(t, err)

			// takes the write lock; applies to later calls only
			s.SetFilter(func(*geojson.Feature) bool { return false })
			ids = append(ids, id)
			return true
		})
	})
	require.NoError(t, err)
	assert.Len(t, ids, parcelGrid*parcelGrid-1)
	assert.Empty(t, collectIDs(t, s, fullExtent))

	// closing from inside the sink
	s.SetFilter(nil)
	ds := s.ds
	count := 0
	err = runQuery(t, func() error {
		return s.ExecuteIntersectionQuery(fullExtent, func(*geojson.Feature) bool {
			count++
			assert.NoError(t, s.Close())
			return true
		})
	})
	require.NoError(t, err)
	assert.Equal(t, parcelGrid*parcelGrid-1, count)
	assert.False(t, s.IsOpen())
	assert.Equal(t, int32(0), ds.refs.Load())
}

func TestProjection(t *testing.T) {
	path := writeParcels(t, t.TempDir())
	writePrj(t, path, wgs84WKT)

	s := New(path, &Options{SRID: 3857})
	require.NoError(t, s.Open())
	defer s.Close()

	assert.Equal(t, 4326, s.SRID())
	wkt, err := s.Projection()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(wkt, `GEOGCS["GCS_WGS_1984"`))
}

func TestProjectionMissing(t *testing.T) {
	s, _ := openParcels(t, &Options{SRID: 3857})

	assert.Equal(t, 3857, s.SRID())
	wkt, err := s.Projection()
	require.NoError(t, err)
	assert.Empty(t, wkt)
}

func TestSetSRIDOverridesProjection(t *testing.T) {
	path := writeParcels(t, t.TempDir())
	writePrj(t, path, wgs84WKT)

	s := New(path, nil)
	s.SetSRID(2263)
	require.NoError(t, s.Open())
	defer s.Close()

	assert.Equal(t, 2263, s.SRID())
}

func TestRecordCountMismatch(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "short")

	gw, err := shp.Create(base+".shp", base+".shx", shp.Point)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, gw.Write(orb.Point{float64(i), float64(i)}))
	}
	require.NoError(t, gw.Close())

	aw, err := dbf.Create(base+".dbf", []dbf.FieldSpec{{Name: "ID", Kind: 'N', Length: 5}}, nil, 0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, aw.Write([]any{i}, false))
	}
	require.NoError(t, aw.Close())

	log := newCaptureLogger()
	s := New(base+".shp", &Options{Logger: log})
	require.NoError(t, s.Open())
	defer s.Close()

	assert.Contains(t, log.get("warn"), "shx and dbf record counts differ")

	n, err := s.GetFeatureCount()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), n)

	assert.Len(t, collectIDs(t, s, fullExtent), 3)
	_, err = s.GetFeatureByID(3)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestPointDataset(t *testing.T) {
	dir := t.TempDir()
	recs := []record{
		{geom: orb.Point{1, 1}, values: []any{"a"}},
		{geom: orb.Point{5, 5}, values: []any{"b"}},
		{geom: orb.Point{5, 5}, values: []any{"c"}},
		{geom: orb.Point{9, 1}, values: []any{"d"}},
	}
	path := writeDataset(t, dir, "points", shp.Point,
		[]dbf.FieldSpec{{Name: "LABEL", Kind: 'C', Length: 4}}, recs)

	s := New(path, nil)
	require.NoError(t, s.Open())
	defer s.Close()

	assert.Equal(t, []uint32{1, 2}, collectIDs(t, s, orb.Bound{Min: orb.Point{4, 4}, Max: orb.Point{6, 6}}))
	assert.Equal(t, []uint32{1, 2}, collectIDs(t, s, orb.Point{5, 5}))
	assert.Empty(t, collectIDs(t, s, orb.Point{5, 6}))

	b, err := s.GetExtents()
	require.NoError(t, err)
	assert.Equal(t, orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{9, 5}}, b)
}

func TestEncoding(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "cafes")

	gw, err := shp.Create(base+".shp", base+".shx", shp.Point)
	require.NoError(t, err)
	require.NoError(t, gw.Write(orb.Point{0, 0}))
	require.NoError(t, gw.Close())

	// Windows-1252 text with no language driver to say so
	aw, err := dbf.Create(base+".dbf", []dbf.FieldSpec{{Name: "NAME", Kind: 'C', Length: 10}}, charmap.Windows1252, 0)
	require.NoError(t, err)
	require.NoError(t, aw.Write([]any{"Café"}, false))
	require.NoError(t, aw.Close())

	log := newCaptureLogger()
	s := New(base+".shp", &Options{Logger: log})
	require.NoError(t, s.Open())
	defer s.Close()
	assert.Contains(t, log.get("warn"), "code page not resolved, decoding strings as UTF-8")

	s.SetEncoding(charmap.Windows1252)
	assert.Equal(t, charmap.Windows1252, s.Encoding())

	f, err := s.GetFeatureByID(0)
	require.NoError(t, err)
	assert.Equal(t, "Café", f.Properties["NAME"])

	// the override survives a reopen
	require.NoError(t, s.Close())
	require.NoError(t, s.Open())
	f, err = s.GetFeatureByID(0)
	require.NoError(t, err)
	assert.Equal(t, "Café", f.Properties["NAME"])
}

func TestSetEncodingNilRestoresCodePage(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "towns")

	gw, err := shp.Create(base+".shp", base+".shx", shp.Point)
	require.NoError(t, err)
	require.NoError(t, gw.Write(orb.Point{0, 0}))
	require.NoError(t, gw.Close())

	aw, err := dbf.Create(base+".dbf", []dbf.FieldSpec{{Name: "NAME", Kind: 'C', Length: 16}}, charmap.Windows1251, 0)
	require.NoError(t, err)
	require.NoError(t, aw.Write([]any{"Москва"}, false))
	require.NoError(t, aw.Close())
	require.NoError(t, os.WriteFile(base+".cpg", []byte("1251"), 0o644))

	s := New(base+".shp", nil)
	require.NoError(t, s.Open())
	defer s.Close()
	require.Equal(t, charmap.Windows1251, s.Encoding())

	s.SetEncoding(charmap.Windows1252)
	assert.Equal(t, charmap.Windows1252, s.Encoding())

	s.SetEncoding(nil)
	assert.Equal(t, charmap.Windows1251, s.Encoding())
	f, err := s.GetFeatureByID(0)
	require.NoError(t, err)
	assert.Equal(t, "Москва", f.Properties["NAME"])
}

func TestRecordDeleted(t *testing.T) {
	s, path := openParcels(t, nil)

	deleted, err := s.RecordDeleted(parcelDeleted)
	require.NoError(t, err)
	assert.True(t, deleted)

	// undelete on disk; the open store sees the change
	dbfPath := strings.TrimSuffix(path, ".shp") + ".dbf"
	require.NoError(t, dbf.SetDeleted(dbfPath, parcelDeleted, false))

	deleted, err = s.RecordDeleted(parcelDeleted)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Len(t, collectIDs(t, s, fullExtent), parcelGrid*parcelGrid)
}
