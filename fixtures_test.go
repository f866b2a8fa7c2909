package shapefile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"github.com/tingold/orb-shapefile/internal/dbf"
	"github.com/tingold/orb-shapefile/internal/shp"
)

type record struct {
	geom    orb.Geometry
	values  []any
	deleted bool
}

// writeDataset writes name.shp, .shx and .dbf into dir and returns the .shp
// path.
func writeDataset(tb testing.TB, dir, name string, st shp.ShapeType, fields []dbf.FieldSpec, recs []record) string {
	tb.Helper()
	base := filepath.Join(dir, name)

	gw, err := shp.Create(base+".shp", base+".shx", st)
	require.NoError(tb, err)
	aw, err := dbf.Create(base+".dbf", fields, nil, 0)
	require.NoError(tb, err)

	for _, r := range recs {
		require.NoError(tb, gw.Write(r.geom))
		require.NoError(tb, aw.Write(r.values, r.deleted))
	}
	require.NoError(tb, gw.Close())
	require.NoError(tb, aw.Close())
	return base + ".shp"
}

var parcelFields = []dbf.FieldSpec{
	{Name: "NAME", Kind: 'C', Length: 20},
	{Name: "POP", Kind: 'N', Length: 10},
	{Name: "AREA", Kind: 'F', Length: 12, Decimals: 3},
	{Name: "ACTIVE", Kind: 'L', Length: 1},
}

const (
	parcelGrid    = 10
	parcelDeleted = 37
	parcelNull    = parcelGrid * parcelGrid // last record has no shape
	parcelCount   = parcelGrid*parcelGrid + 1
)

// parcelSquare is the unit square of grid cell i. Cells are two units
// apart so neighbours never touch.
func parcelSquare(i int) orb.Polygon {
	x := float64(i%parcelGrid) * 2
	y := float64(i/parcelGrid) * 2
	return orb.Polygon{{{x, y}, {x, y + 1}, {x + 1, y + 1}, {x + 1, y}, {x, y}}}
}

func parcelRecords() []record {
	recs := make([]record, 0, parcelCount)
	for i := 0; i < parcelGrid*parcelGrid; i++ {
		recs = append(recs, record{
			geom:    parcelSquare(i),
			values:  []any{fmt.Sprintf("parcel-%d", i), i * 10, 1.0, i%2 == 0},
			deleted: i == parcelDeleted,
		})
	}
	recs = append(recs, record{values: []any{"empty", 0, 0.0, false}})
	return recs
}

// writeParcels writes the parcel grid dataset: 100 unit squares, one of
// them deleted, followed by one Null shape.
func writeParcels(tb testing.TB, dir string) string {
	tb.Helper()
	return writeDataset(tb, dir, "parcels", shp.Polygon, parcelFields, parcelRecords())
}

func openParcels(t *testing.T, opts *Options) (*ShapeFile, string) {
	t.Helper()
	path := writeParcels(t, t.TempDir())
	s := New(path, opts)
	require.NoError(t, s.Open())
	t.Cleanup(func() { s.Close() })
	return s, path
}

func writePrj(tb testing.TB, shpPath, wkt string) {
	tb.Helper()
	prj := shpPath[:len(shpPath)-len(filepath.Ext(shpPath))] + ".prj"
	require.NoError(tb, os.WriteFile(prj, []byte(wkt), 0o644))
}

const wgs84WKT = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433],AUTHORITY["EPSG","4326"]]`

var fullExtent = orb.Bound{Min: orb.Point{-1000, -1000}, Max: orb.Point{1000, 1000}}

// captureLogger records log messages by level.
type captureLogger struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{msgs: map[string][]string{}}
}

func (l *captureLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs[level] = append(l.msgs[level], msg)
}

func (l *captureLogger) get(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.msgs[level]...)
}

func (l *captureLogger) Debug(msg string, _ ...any) { l.add("debug", msg) }
func (l *captureLogger) Info(msg string, _ ...any)  { l.add("info", msg) }
func (l *captureLogger) Warn(msg string, _ ...any)  { l.add("warn", msg) }
func (l *captureLogger) Error(msg string, _ ...any) { l.add("error", msg) }
