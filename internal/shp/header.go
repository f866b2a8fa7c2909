// Package shp reads and writes the geometry half of an ESRI shapefile: the
// .shp record file and its .shx offset index.
package shp

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/tingold/orb-shapefile/internal/binreader"
	"github.com/tingold/orb-shapefile/internal/geoerr"
)

const (
	// FileCode is the big-endian magic number at offset 0 of .shp and .shx.
	FileCode = 9994
	// Version is the format version written at offset 28.
	Version = 1000
	// HeaderSize is the length of the .shp and .shx file headers.
	HeaderSize = 100

	recordHeaderSize = 8
	indexEntrySize   = 8
)

// ShapeType is the shape type code of a file or record.
type ShapeType int32

const (
	Null        ShapeType = 0
	Point       ShapeType = 1
	PolyLine    ShapeType = 3
	Polygon     ShapeType = 5
	MultiPoint  ShapeType = 8
	PointZ      ShapeType = 11
	PolyLineZ   ShapeType = 13
	PolygonZ    ShapeType = 15
	MultiPointZ ShapeType = 18
	PointM      ShapeType = 21
	PolyLineM   ShapeType = 23
	PolygonM    ShapeType = 25
	MultiPointM ShapeType = 28
	MultiPatch  ShapeType = 31
)

var shapeTypeNames = map[ShapeType]string{
	Null:        "Null",
	Point:       "Point",
	PolyLine:    "PolyLine",
	Polygon:     "Polygon",
	MultiPoint:  "MultiPoint",
	PointZ:      "PointZ",
	PolyLineZ:   "PolyLineZ",
	PolygonZ:    "PolygonZ",
	MultiPointZ: "MultiPointZ",
	PointM:      "PointM",
	PolyLineM:   "PolyLineM",
	PolygonM:    "PolygonM",
	MultiPointM: "MultiPointM",
	MultiPatch:  "MultiPatch",
}

func (t ShapeType) String() string {
	if s, ok := shapeTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ShapeType(%d)", int32(t))
}

// Base returns the 2D family of t: PointZ and PointM map to Point and so on.
func (t ShapeType) Base() ShapeType {
	switch t {
	case Point, PointZ, PointM:
		return Point
	case PolyLine, PolyLineZ, PolyLineM:
		return PolyLine
	case Polygon, PolygonZ, PolygonM:
		return Polygon
	case MultiPoint, MultiPointZ, MultiPointM:
		return MultiPoint
	default:
		return t
	}
}

// HasZ reports whether records carry a Z range and array.
func (t ShapeType) HasZ() bool {
	return t == PointZ || t == PolyLineZ || t == PolygonZ || t == MultiPointZ
}

// HasM reports whether records carry an M range and array. Z types always
// reserve room for M.
func (t ShapeType) HasM() bool {
	return t.HasZ() || t == PointM || t == PolyLineM || t == PolygonM || t == MultiPointM
}

func (t ShapeType) supported() bool {
	_, ok := shapeTypeNames[t]
	return ok && t != MultiPatch
}

// Header is the 100-byte header shared by .shp and .shx files.
type Header struct {
	FileCode int32
	// FileLength is the total file length in 16-bit words.
	FileLength int32
	Version    int32
	ShapeType  ShapeType

	MinX, MinY, MaxX, MaxY float64
	MinZ, MaxZ, MinM, MaxM float64
}

// FileBytes returns the declared file length in bytes.
func (h Header) FileBytes() int64 { return wordsToBytes(h.FileLength) }

// Bound returns the declared extent. ok is false when the header holds no
// usable box, as written for empty files or by some tools that fill it with
// NaN.
func (h Header) Bound() (b orb.Bound, ok bool) {
	return makeBound(h.MinX, h.MinY, h.MaxX, h.MaxY)
}

func makeBound(minX, minY, maxX, maxY float64) (orb.Bound, bool) {
	for _, v := range [...]float64{minX, minY, maxX, maxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return orb.Bound{}, false
		}
	}
	if minX > maxX || minY > maxY {
		return orb.Bound{}, false
	}
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}, true
}

// wordsToBytes converts a count of 16-bit words, as stored in the headers
// and the .shx index, to bytes.
func wordsToBytes(words int32) int64 { return 2 * int64(words) }

func parseHeader(c *binreader.Cursor, what string) (Header, error) {
	var h Header
	h.FileCode = c.Int32BE()
	c.Seek(24)
	h.FileLength = c.Int32BE()
	h.Version = c.Int32LE()
	h.ShapeType = ShapeType(c.Int32LE())
	h.MinX, h.MinY = c.Float64LE(), c.Float64LE()
	h.MaxX, h.MaxY = c.Float64LE(), c.Float64LE()
	h.MinZ, h.MaxZ = c.Float64LE(), c.Float64LE()
	h.MinM, h.MaxM = c.Float64LE(), c.Float64LE()
	if err := c.Err(); err != nil {
		return h, fmt.Errorf("%w: %s header: %v", geoerr.ErrUnsupportedFormat, what, err)
	}
	if h.FileCode != FileCode {
		return h, fmt.Errorf("%w: %s file code %d", geoerr.ErrUnsupportedFormat, what, h.FileCode)
	}
	if h.FileBytes() < HeaderSize {
		return h, fmt.Errorf("%w: %s file length %d words", geoerr.ErrUnsupportedFormat, what, h.FileLength)
	}
	if !h.ShapeType.supported() {
		return h, fmt.Errorf("%w: %s", geoerr.ErrUnsupportedShapeType, h.ShapeType)
	}
	return h, nil
}
