// Package predicate provides a prepared geometry for repeated planar
// intersects tests against many candidate geometries.
package predicate

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

type segment struct {
	a, b       orb.Point
	minX, maxX float64
	minY, maxY float64
}

func newSegment(a, b orb.Point) segment {
	s := segment{a: a, b: b, minX: a[0], maxX: b[0], minY: a[1], maxY: b[1]}
	if s.minX > s.maxX {
		s.minX, s.maxX = s.maxX, s.minX
	}
	if s.minY > s.maxY {
		s.minY, s.maxY = s.maxY, s.minY
	}
	return s
}

// parts is a geometry broken into the primitives the tests run on.
type parts struct {
	points   []orb.Point
	segments []segment
	polygons []orb.Polygon
}

func (p *parts) addLine(pts []orb.Point) {
	p.points = append(p.points, pts...)
	for i := 0; i+1 < len(pts); i++ {
		p.segments = append(p.segments, newSegment(pts[i], pts[i+1]))
	}
}

func (p *parts) addPolygon(poly orb.Polygon) {
	if len(poly) == 0 || len(poly[0]) == 0 {
		return
	}
	for _, r := range poly {
		p.addLine(r)
	}
	p.polygons = append(p.polygons, poly)
}

func decompose(g orb.Geometry, p *parts) {
	switch v := g.(type) {
	case orb.Point:
		p.points = append(p.points, v)
	case orb.MultiPoint:
		p.points = append(p.points, v...)
	case orb.LineString:
		p.addLine(v)
	case orb.MultiLineString:
		for _, ls := range v {
			p.addLine(ls)
		}
	case orb.Ring:
		p.addPolygon(orb.Polygon{v})
	case orb.Polygon:
		p.addPolygon(v)
	case orb.MultiPolygon:
		for _, poly := range v {
			p.addPolygon(poly)
		}
	case orb.Bound:
		p.addPolygon(v.ToPolygon())
	case orb.Collection:
		for _, c := range v {
			decompose(c, p)
		}
	}
}

// Prepared holds a query geometry decomposed once into vertices, edges
// sorted by their minimum x and areal parts.
type Prepared struct {
	geom     orb.Geometry
	bound    orb.Bound
	parts    parts
	maxWidth float64
}

// Prepare decomposes g for repeated Intersects calls.
func Prepare(g orb.Geometry) *Prepared {
	p := &Prepared{geom: g, bound: g.Bound()}
	decompose(g, &p.parts)
	sort.Slice(p.parts.segments, func(i, j int) bool {
		return p.parts.segments[i].minX < p.parts.segments[j].minX
	})
	for _, s := range p.parts.segments {
		if w := s.maxX - s.minX; w > p.maxWidth {
			p.maxWidth = w
		}
	}
	return p
}

// Geometry returns the prepared geometry.
func (p *Prepared) Geometry() orb.Geometry { return p.geom }

// Bound returns the bound of the prepared geometry.
func (p *Prepared) Bound() orb.Bound { return p.bound }

// Intersects reports whether g and the prepared geometry share at least one
// point. Boundaries count, so touching geometries intersect.
func (p *Prepared) Intersects(g orb.Geometry) bool {
	if g == nil || !p.bound.Intersects(g.Bound()) {
		return false
	}
	var o parts
	decompose(g, &o)

	for _, pt := range o.points {
		if p.containsPoint(pt) {
			return true
		}
	}
	for _, pt := range p.parts.points {
		if o.polygonsContain(pt) {
			return true
		}
	}
	for _, s := range o.segments {
		if p.crosses(s) {
			return true
		}
	}
	if len(p.parts.segments) == 0 {
		// a pure point query can lie on a candidate edge or vertex
		for _, pt := range p.parts.points {
			for _, s := range o.segments {
				if onSegment(pt, s) {
					return true
				}
			}
			for _, q := range o.points {
				if pt == q {
					return true
				}
			}
		}
	}
	return false
}

// containsPoint reports whether pt is a vertex of, lies on an edge of or
// lies inside an areal part of the prepared geometry.
func (p *Prepared) containsPoint(pt orb.Point) bool {
	if !p.bound.Contains(pt) {
		return false
	}
	if p.parts.polygonsContain(pt) {
		return true
	}
	if p.crosses(newSegment(pt, pt)) {
		return true
	}
	if len(p.parts.segments) == 0 {
		for _, q := range p.parts.points {
			if q == pt {
				return true
			}
		}
	}
	return false
}

func (o *parts) polygonsContain(pt orb.Point) bool {
	for _, poly := range o.polygons {
		if planar.PolygonContains(poly, pt) {
			return true
		}
	}
	return false
}

// crosses reports whether s touches or crosses any prepared edge.
func (p *Prepared) crosses(s segment) bool {
	segs := p.parts.segments
	start := sort.Search(len(segs), func(i int) bool {
		return segs[i].minX >= s.minX-p.maxWidth
	})
	for _, e := range segs[start:] {
		if e.minX > s.maxX {
			break
		}
		if e.maxX < s.minX || e.maxY < s.minY || e.minY > s.maxY {
			continue
		}
		if segmentsIntersect(s, e) {
			return true
		}
	}
	return false
}

func orient(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// within reports whether c, known to be collinear with s, lies in its box.
func within(c orb.Point, s segment) bool {
	return c[0] >= s.minX && c[0] <= s.maxX && c[1] >= s.minY && c[1] <= s.maxY
}

func onSegment(pt orb.Point, s segment) bool {
	return orient(s.a, s.b, pt) == 0 && within(pt, s)
}

func segmentsIntersect(s, t segment) bool {
	d1 := sign(orient(t.a, t.b, s.a))
	d2 := sign(orient(t.a, t.b, s.b))
	d3 := sign(orient(s.a, s.b, t.a))
	d4 := sign(orient(s.a, s.b, t.b))

	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	return (d1 == 0 && within(s.a, t)) ||
		(d2 == 0 && within(s.b, t)) ||
		(d3 == 0 && within(t.a, s)) ||
		(d4 == 0 && within(t.b, s))
}
