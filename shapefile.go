// Package shapefile provides a spatial feature store over ESRI Shapefile
// datasets (.shp, .shx and .dbf) for the orb geometry library.
//
// A ShapeFile decodes geometry and attribute records directly from their
// binary layouts, builds a bounding-box tree over the records on first use
// (optionally persisted to a .sidx file next to the dataset) and answers
// bounding-box and geometry intersection queries by streaming matching
// records as geojson.Feature values.
//
// Example:
//
//	sf := shapefile.New("data/roads.shp", nil)
//	if err := sf.Open(); err != nil {
//	    log.Fatal(err)
//	}
//	defer sf.Close()
//
//	view := orb.Bound{Min: orb.Point{-71.5, 42.0}, Max: orb.Point{-71.0, 42.5}}
//	err := sf.ExecuteIntersectionQuery(view, func(f *geojson.Feature) bool {
//	    fmt.Println(f.ID, f.Properties["NAME"])
//	    return true
//	})
package shapefile

import (
	"golang.org/x/text/encoding"

	"github.com/tingold/orb-shapefile/internal/dbf"
	"github.com/tingold/orb-shapefile/internal/geoerr"
	"github.com/tingold/orb-shapefile/internal/sidx"
)

// Common errors returned by this package.
var (
	ErrFileNotFound         = geoerr.ErrFileNotFound
	ErrUnsupportedFormat    = geoerr.ErrUnsupportedFormat
	ErrUnsupportedFieldType = geoerr.ErrUnsupportedFieldType
	ErrUnsupportedShapeType = geoerr.ErrUnsupportedShapeType
	ErrMalformedGeometry    = geoerr.ErrMalformedGeometry
	ErrNotOpen              = geoerr.ErrNotOpen
	ErrStaleIndex           = geoerr.ErrStaleIndex
	ErrRecordNotFound       = geoerr.ErrRecordNotFound
	ErrNilGeometry          = geoerr.ErrNilGeometry
	ErrNoIndex              = geoerr.ErrNoIndex
)

// Typed errors carrying the offending record or field.
type (
	GeometryError  = geoerr.GeometryError
	FieldTypeError = geoerr.FieldTypeError
)

// Field describes one attribute column of a dataset.
type Field = dbf.Field

// FieldType is the logical type of an attribute column.
type FieldType = dbf.FieldType

// Attribute column types.
const (
	FieldString  = dbf.FieldString
	FieldBool    = dbf.FieldBool
	FieldInt8    = dbf.FieldInt8
	FieldInt16   = dbf.FieldInt16
	FieldInt32   = dbf.FieldInt32
	FieldInt64   = dbf.FieldInt64
	FieldFloat64 = dbf.FieldFloat64
	FieldDate    = dbf.FieldDate
	FieldBinary  = dbf.FieldBinary
)

// Heuristic controls how far the spatial index subdivides.
type Heuristic = sidx.Heuristic

// Options configures a ShapeFile.
type Options struct {
	SRID         int               // Spatial reference id used when the .prj names none
	Encoding     encoding.Encoding // Overrides code page detection for string fields (optional)
	IndexCache   *IndexCache       // Shared index cache (optional; nil keeps a private index)
	PersistIndex bool              // Write a .sidx file after building the index
	Heuristic    *Heuristic        // Index subdivision (optional; nil derives one from the record count)
	Logger       Logger            // Logger (optional; nil discards)
	Metrics      *Metrics          // Prometheus collectors (optional)
}

// DefaultOptions returns default options for opening a dataset.
func DefaultOptions() *Options {
	return &Options{
		PersistIndex: true,
		Logger:       NopLogger{},
	}
}
