package shapefile

import (
	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"
)

// geometryToFGB converts an orb.Geometry to a FlatGeobuf writer.Geometry.
// It returns nil for nil and unsupported geometries.
func geometryToFGB(geom orb.Geometry, builder *flatbuffers.Builder) *writer.Geometry {
	if geom == nil {
		return nil
	}

	g := writer.NewGeometry(builder)

	switch v := geom.(type) {
	case orb.Point:
		g.SetType(flattypes.GeometryTypePoint)
		g.SetXY([]float64{v[0], v[1]})

	case orb.MultiPoint:
		g.SetType(flattypes.GeometryTypeMultiPoint)
		g.SetXY(appendXY(nil, v))

	case orb.LineString:
		g.SetType(flattypes.GeometryTypeLineString)
		g.SetXY(appendXY(nil, v))

	case orb.MultiLineString:
		g.SetType(flattypes.GeometryTypeMultiLineString)
		parts := make([][]orb.Point, len(v))
		for i, ls := range v {
			parts[i] = ls
		}
		xy, ends := partsToXYEnds(parts)
		g.SetXY(xy)
		g.SetEnds(ends)

	case orb.Ring:
		return geometryToFGB(orb.Polygon{v}, builder)

	case orb.Bound:
		return geometryToFGB(v.ToPolygon(), builder)

	case orb.Polygon:
		g.SetType(flattypes.GeometryTypePolygon)
		xy, ends := polygonToXYEnds(v)
		g.SetXY(xy)
		g.SetEnds(ends)

	case orb.MultiPolygon:
		g.SetType(flattypes.GeometryTypeMultiPolygon)
		parts := make([]writer.Geometry, 0, len(v))
		for _, poly := range v {
			pg := writer.NewGeometry(builder)
			pg.SetType(flattypes.GeometryTypePolygon)
			xy, ends := polygonToXYEnds(poly)
			pg.SetXY(xy)
			pg.SetEnds(ends)
			parts = append(parts, *pg)
		}
		g.SetParts(parts)

	case orb.Collection:
		g.SetType(flattypes.GeometryTypeGeometryCollection)
		parts := make([]writer.Geometry, 0, len(v))
		for _, child := range v {
			if cg := geometryToFGB(child, builder); cg != nil {
				parts = append(parts, *cg)
			}
		}
		g.SetParts(parts)

	default:
		return nil
	}

	return g
}

func appendXY(xy []float64, pts []orb.Point) []float64 {
	for _, p := range pts {
		xy = append(xy, p[0], p[1])
	}
	return xy
}

// partsToXYEnds flattens parts into one coordinate array and the cumulative
// point count at the end of each part.
func partsToXYEnds(parts [][]orb.Point) ([]float64, []uint32) {
	total := 0
	for _, p := range parts {
		total += len(p)
	}

	xy := make([]float64, 0, total*2)
	ends := make([]uint32, 0, len(parts))
	for _, p := range parts {
		xy = appendXY(xy, p)
		ends = append(ends, uint32(len(xy)/2))
	}
	return xy, ends
}

func polygonToXYEnds(poly orb.Polygon) ([]float64, []uint32) {
	parts := make([][]orb.Point, len(poly))
	for i, r := range poly {
		parts[i] = r
	}
	return partsToXYEnds(parts)
}

// geometryFromFGB converts a FlatGeobuf geometry to an orb.Geometry.
// Features of a typed layer may omit their own type, in which case the
// layer type applies.
func geometryFromFGB(g *flattypes.Geometry, layer flattypes.GeometryType) orb.Geometry {
	if g == nil {
		return nil
	}

	typ := g.Type()
	if typ == flattypes.GeometryTypeUnknown {
		typ = layer
	}

	switch typ {
	case flattypes.GeometryTypePoint:
		pts := readXY(g, 0, g.XyLength()/2)
		if len(pts) == 0 {
			return nil
		}
		return pts[0]

	case flattypes.GeometryTypeMultiPoint:
		return orb.MultiPoint(readXY(g, 0, g.XyLength()/2))

	case flattypes.GeometryTypeLineString:
		return orb.LineString(readXY(g, 0, g.XyLength()/2))

	case flattypes.GeometryTypeMultiLineString:
		parts := readParts(g)
		mls := make(orb.MultiLineString, len(parts))
		for i, p := range parts {
			mls[i] = p
		}
		return mls

	case flattypes.GeometryTypePolygon:
		return polygonFromFGB(g)

	case flattypes.GeometryTypeMultiPolygon:
		n := g.PartsLength()
		if n == 0 {
			if poly := polygonFromFGB(g); len(poly) > 0 {
				return orb.MultiPolygon{poly}
			}
			return orb.MultiPolygon{}
		}
		mp := make(orb.MultiPolygon, 0, n)
		for i := 0; i < n; i++ {
			var part flattypes.Geometry
			if g.Parts(&part, i) {
				if poly := polygonFromFGB(&part); len(poly) > 0 {
					mp = append(mp, poly)
				}
			}
		}
		return mp

	case flattypes.GeometryTypeGeometryCollection:
		n := g.PartsLength()
		coll := make(orb.Collection, 0, n)
		for i := 0; i < n; i++ {
			var part flattypes.Geometry
			if g.Parts(&part, i) {
				if child := geometryFromFGB(&part, flattypes.GeometryTypeUnknown); child != nil {
					coll = append(coll, child)
				}
			}
		}
		return coll

	default:
		return nil
	}
}

// readXY returns points [from, to) of the coordinate array.
func readXY(g *flattypes.Geometry, from, to int) []orb.Point {
	if n := g.XyLength() / 2; to > n {
		to = n
	}
	if from >= to {
		return nil
	}
	pts := make([]orb.Point, 0, to-from)
	for i := from; i < to; i++ {
		pts = append(pts, orb.Point{g.Xy(2 * i), g.Xy(2*i + 1)})
	}
	return pts
}

// readParts slices the coordinate array at the ends offsets. Without ends
// the whole array is one part.
func readParts(g *flattypes.Geometry) [][]orb.Point {
	n := g.EndsLength()
	if n == 0 {
		if pts := readXY(g, 0, g.XyLength()/2); len(pts) > 0 {
			return [][]orb.Point{pts}
		}
		return nil
	}
	parts := make([][]orb.Point, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		end := int(g.Ends(i))
		parts = append(parts, readXY(g, start, end))
		start = end
	}
	return parts
}

func polygonFromFGB(g *flattypes.Geometry) orb.Polygon {
	parts := readParts(g)
	poly := make(orb.Polygon, 0, len(parts))
	for _, p := range parts {
		poly = append(poly, orb.Ring(p))
	}
	return poly
}
