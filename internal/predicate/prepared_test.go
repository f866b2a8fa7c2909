package predicate

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

var (
	square = orb.Polygon{{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}}
	donut  = orb.Polygon{
		{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}},
		{{3, 3}, {7, 3}, {7, 7}, {3, 7}, {3, 3}},
	}
)

func TestIntersects(t *testing.T) {
	tests := []struct {
		name  string
		query orb.Geometry
		cand  orb.Geometry
		want  bool
	}{
		{"point inside polygon", square, orb.Point{5, 5}, true},
		{"point on polygon edge", square, orb.Point{10, 5}, true},
		{"point outside polygon", square, orb.Point{11, 5}, false},
		{"point in hole", donut, orb.Point{5, 5}, false},
		{"point on hole edge", donut, orb.Point{3, 5}, true},
		{"polygon inside hole", donut, orb.Polygon{{{4, 4}, {4, 6}, {6, 6}, {6, 4}, {4, 4}}}, false},
		{"polygon overlapping hole edge", donut, orb.Polygon{{{4, 4}, {4, 8}, {6, 8}, {6, 4}, {4, 4}}}, true},
		{"polygon containing query", square, orb.Polygon{{{-5, -5}, {-5, 20}, {20, 20}, {20, -5}, {-5, -5}}}, true},
		{"polygon inside query", square, orb.Polygon{{{1, 1}, {1, 2}, {2, 2}, {2, 1}, {1, 1}}}, true},
		{"polygons touching at corner", square, orb.Polygon{{{10, 10}, {10, 12}, {12, 12}, {12, 10}, {10, 10}}}, true},
		{"disjoint polygons with overlapping bounds", orb.Polygon{{{0, 0}, {10, 10}, {10, 0}, {0, 0}}}, orb.Polygon{{{0, 2}, {0, 10}, {8, 10}, {0, 2}}}, false},
		{"line crossing polygon", square, orb.LineString{{-5, 5}, {15, 5}}, true},
		{"line passing by", square, orb.LineString{{-5, 11}, {15, 11}}, false},
		{"crossing lines", orb.LineString{{0, 0}, {10, 10}}, orb.LineString{{0, 10}, {10, 0}}, true},
		{"parallel lines", orb.LineString{{0, 0}, {10, 0}}, orb.LineString{{0, 1}, {10, 1}}, false},
		{"collinear overlapping lines", orb.LineString{{0, 0}, {10, 0}}, orb.LineString{{5, 0}, {15, 0}}, true},
		{"point query on line", orb.Point{5, 5}, orb.LineString{{0, 0}, {10, 10}}, true},
		{"point query off line", orb.Point{5, 6}, orb.LineString{{0, 0}, {10, 10}}, false},
		{"point query equals point", orb.Point{1, 2}, orb.MultiPoint{{0, 0}, {1, 2}}, true},
		{"point query inside polygon", orb.Point{2, 2}, square, true},
		{"bound query", orb.Bound{Min: orb.Point{9, 9}, Max: orb.Point{20, 20}}, square, true},
		{"multipolygon second part", orb.MultiPolygon{{{{50, 50}, {50, 60}, {60, 60}, {60, 50}, {50, 50}}}, square}, orb.Point{5, 5}, true},
		{"nil candidate", square, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Prepare(tt.query)
			assert.Equal(t, tt.want, p.Intersects(tt.cand))
			if tt.cand != nil {
				// intersects is symmetric
				assert.Equal(t, tt.want, Prepare(tt.cand).Intersects(tt.query))
			}
		})
	}
}

func TestPreparedReuse(t *testing.T) {
	p := Prepare(square)
	assert.Equal(t, square.Bound(), p.Bound())
	assert.Equal(t, orb.Geometry(square), p.Geometry())

	hits := 0
	for x := -5.0; x <= 15; x++ {
		if p.Intersects(orb.Point{x, 5}) {
			hits++
		}
	}
	assert.Equal(t, 11, hits)
}
