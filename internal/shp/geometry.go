package shp

import (
	"fmt"

	"github.com/paulmach/orb"

	"github.com/tingold/orb-shapefile/internal/binreader"
	"github.com/tingold/orb-shapefile/internal/geoerr"
)

// decode reads the payload of a non-Null record. c is positioned right
// after the record shape type.
func decode(id uint32, st ShapeType, c *binreader.Cursor) (orb.Geometry, error) {
	switch st.Base() {
	case Point:
		p := orb.Point{c.Float64LE(), c.Float64LE()}
		if err := c.Err(); err != nil {
			return nil, &geoerr.GeometryError{ID: id, Reason: err.Error()}
		}
		return p, nil
	case MultiPoint:
		return decodeMultiPoint(id, c)
	case PolyLine:
		parts, err := decodeParts(id, c)
		if err != nil {
			return nil, err
		}
		if len(parts) == 1 {
			return orb.LineString(parts[0]), nil
		}
		mls := make(orb.MultiLineString, len(parts))
		for i, p := range parts {
			mls[i] = orb.LineString(p)
		}
		return mls, nil
	case Polygon:
		parts, err := decodeParts(id, c)
		if err != nil {
			return nil, err
		}
		rings := make([]orb.Ring, len(parts))
		for i, p := range parts {
			rings[i] = orb.Ring(p)
		}
		return GroupRings(id, rings)
	default:
		return nil, fmt.Errorf("%w: %s", geoerr.ErrUnsupportedShapeType, st)
	}
}

func decodeMultiPoint(id uint32, c *binreader.Cursor) (orb.Geometry, error) {
	c.Skip(32)
	n := c.Int32LE()
	if err := c.Err(); err != nil {
		return nil, &geoerr.GeometryError{ID: id, Reason: err.Error()}
	}
	if n < 0 || int64(n)*16 > int64(c.Remaining()) {
		return nil, &geoerr.GeometryError{ID: id, Reason: fmt.Sprintf("point count %d", n)}
	}
	xy := make([]float64, 2*n)
	c.Float64sLE(xy)
	if err := c.Err(); err != nil {
		return nil, &geoerr.GeometryError{ID: id, Reason: err.Error()}
	}
	mp := make(orb.MultiPoint, n)
	for i := range mp {
		mp[i] = orb.Point{xy[2*i], xy[2*i+1]}
	}
	return mp, nil
}

// decodeParts reads the part index and point array of a PolyLine or Polygon
// family record and slices the points into parts. Each part slices its own
// region of a single point array.
func decodeParts(id uint32, c *binreader.Cursor) ([][]orb.Point, error) {
	c.Skip(32)
	numParts, numPoints := c.Int32LE(), c.Int32LE()
	if err := c.Err(); err != nil {
		return nil, &geoerr.GeometryError{ID: id, Reason: err.Error()}
	}
	if numParts < 1 || numPoints < 0 ||
		4*int64(numParts)+16*int64(numPoints) > int64(c.Remaining()) {
		return nil, &geoerr.GeometryError{
			ID:     id,
			Reason: fmt.Sprintf("%d parts, %d points in %d bytes", numParts, numPoints, c.Remaining()),
		}
	}

	// starts carries a trailing sentinel equal to the point count.
	starts := make([]int32, numParts+1)
	for i := int32(0); i < numParts; i++ {
		starts[i] = c.Int32LE()
	}
	starts[numParts] = numPoints
	if starts[0] != 0 {
		return nil, &geoerr.GeometryError{ID: id, Reason: fmt.Sprintf("first part starts at %d", starts[0])}
	}
	for i := 0; i < int(numParts); i++ {
		if starts[i] > starts[i+1] {
			return nil, &geoerr.GeometryError{
				ID:     id,
				Reason: fmt.Sprintf("part %d spans points %d to %d of %d", i, starts[i], starts[i+1], numPoints),
			}
		}
	}

	xy := make([]float64, 2*numPoints)
	c.Float64sLE(xy)
	if err := c.Err(); err != nil {
		return nil, &geoerr.GeometryError{ID: id, Reason: err.Error()}
	}
	points := make([]orb.Point, numPoints)
	for i := range points {
		points[i] = orb.Point{xy[2*i], xy[2*i+1]}
	}

	parts := make([][]orb.Point, numParts)
	for i := range parts {
		parts[i] = points[starts[i]:starts[i+1]:starts[i+1]]
	}
	return parts, nil
}

// GroupRings assembles polygon rings in file order. A clockwise ring starts
// a new polygon; counter-clockwise and zero-area rings are holes of the
// polygon started by the nearest preceding clockwise ring. A single polygon
// is returned as orb.Polygon, several as orb.MultiPolygon.
func GroupRings(id uint32, rings []orb.Ring) (orb.Geometry, error) {
	var polys orb.MultiPolygon
	for i, r := range rings {
		if len(r) > 0 && r.Orientation() == orb.CW {
			polys = append(polys, orb.Polygon{r})
			continue
		}
		if len(polys) == 0 {
			return nil, &geoerr.GeometryError{
				ID:     id,
				Reason: fmt.Sprintf("ring %d is a hole with no preceding exterior ring", i),
			}
		}
		last := len(polys) - 1
		polys[last] = append(polys[last], r)
	}

	switch len(polys) {
	case 0:
		return nil, &geoerr.GeometryError{ID: id, Reason: "no exterior ring"}
	case 1:
		return polys[0], nil
	default:
		return polys, nil
	}
}
