package shp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/paulmach/orb"

	"github.com/tingold/orb-shapefile/internal/geoerr"
)

// Writer creates a .shp/.shx pair of a single shape type. Geometries are
// appended with Write; Close fills in both headers.
type Writer struct {
	shp, shx *os.File
	sw, xw   *bufio.Writer

	typ    ShapeType
	bound  orb.Bound
	empty  bool
	offset int64 // next record position in bytes
	count  int32
}

// Create truncates shpPath and shxPath and prepares to write records of
// type st.
func Create(shpPath, shxPath string, st ShapeType) (*Writer, error) {
	if !st.supported() || st == Null {
		return nil, fmt.Errorf("%w: cannot write %s", geoerr.ErrUnsupportedShapeType, st)
	}
	sf, err := os.Create(shpPath)
	if err != nil {
		return nil, fmt.Errorf("shp: create %s: %w", shpPath, err)
	}
	xf, err := os.Create(shxPath)
	if err != nil {
		_ = sf.Close()
		return nil, fmt.Errorf("shp: create %s: %w", shxPath, err)
	}
	w := &Writer{
		shp: sf, shx: xf,
		sw: bufio.NewWriter(sf), xw: bufio.NewWriter(xf),
		typ: st, empty: true, offset: HeaderSize,
	}
	placeholder := make([]byte, HeaderSize)
	if _, err := w.sw.Write(placeholder); err != nil {
		w.abort()
		return nil, err
	}
	if _, err := w.xw.Write(placeholder); err != nil {
		w.abort()
		return nil, err
	}
	return w, nil
}

func (w *Writer) abort() {
	_ = w.shp.Close()
	_ = w.shx.Close()
}

// Write appends one record. A nil geometry writes a Null shape. Polygon
// rings are rewound so that exteriors are clockwise and holes
// counter-clockwise; Z and M values are written as zero.
func (w *Writer) Write(g orb.Geometry) error {
	if g == nil {
		return w.writeRecord(le(nil, uint32(Null)))
	}

	var parts [][]orb.Point
	switch w.typ.Base() {
	case Point:
		p, ok := g.(orb.Point)
		if !ok {
			return w.mismatch(g)
		}
		buf := le(nil, uint32(w.typ))
		buf = f64(buf, p[0], p[1])
		if w.typ.HasZ() {
			buf = f64(buf, 0)
		}
		if w.typ.HasM() {
			buf = f64(buf, 0)
		}
		w.extend(orb.Bound{Min: p, Max: p})
		return w.writeRecord(buf)
	case MultiPoint:
		mp, ok := g.(orb.MultiPoint)
		if !ok {
			return w.mismatch(g)
		}
		parts = [][]orb.Point{mp}
	case PolyLine:
		switch v := g.(type) {
		case orb.LineString:
			parts = [][]orb.Point{v}
		case orb.MultiLineString:
			for _, ls := range v {
				parts = append(parts, ls)
			}
		default:
			return w.mismatch(g)
		}
	case Polygon:
		switch v := g.(type) {
		case orb.Polygon:
			parts = polygonParts(parts, v)
		case orb.MultiPolygon:
			for _, p := range v {
				parts = polygonParts(parts, p)
			}
		default:
			return w.mismatch(g)
		}
	}
	return w.writeRecord(w.encodeParts(parts))
}

func (w *Writer) mismatch(g orb.Geometry) error {
	return fmt.Errorf("shp: cannot write %s into a %s file", g.GeoJSONType(), w.typ)
}

func polygonParts(dst [][]orb.Point, p orb.Polygon) [][]orb.Point {
	for i, r := range p {
		want := orb.CCW
		if i == 0 {
			want = orb.CW
		}
		if len(r) > 0 && r.Orientation() != want {
			r = r.Clone()
			r.Reverse()
		}
		dst = append(dst, r)
	}
	return dst
}

// encodeParts builds the payload of a MultiPoint, PolyLine or Polygon family
// record. MultiPoint records have no part index.
func (w *Writer) encodeParts(parts [][]orb.Point) []byte {
	var bound orb.Bound
	n := 0
	for _, p := range parts {
		for _, pt := range p {
			if n == 0 {
				bound = orb.Bound{Min: pt, Max: pt}
			} else {
				bound = bound.Extend(pt)
			}
			n++
		}
	}
	if n > 0 {
		w.extend(bound)
	}

	buf := le(nil, uint32(w.typ))
	buf = f64(buf, bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1])
	if w.typ.Base() == MultiPoint {
		buf = le(buf, uint32(n))
	} else {
		buf = le(buf, uint32(len(parts)), uint32(n))
		start := 0
		for _, p := range parts {
			buf = le(buf, uint32(start))
			start += len(p)
		}
	}
	for _, p := range parts {
		for _, pt := range p {
			buf = f64(buf, pt[0], pt[1])
		}
	}
	zeros := make([]float64, n+2)
	if w.typ.HasZ() {
		buf = f64(buf, zeros...)
	}
	if w.typ.HasM() {
		buf = f64(buf, zeros...)
	}
	return buf
}

func (w *Writer) extend(b orb.Bound) {
	if w.empty {
		w.bound, w.empty = b, false
		return
	}
	w.bound = w.bound.Union(b)
}

// writeRecord appends a record header and content to the .shp and an entry
// to the .shx.
func (w *Writer) writeRecord(content []byte) error {
	if len(content)%2 != 0 {
		return fmt.Errorf("shp: record content of odd length %d", len(content))
	}
	words := int32(len(content) / 2)
	w.count++

	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:], uint32(w.count))
	binary.BigEndian.PutUint32(hdr[4:], uint32(words))
	if _, err := w.sw.Write(hdr[:]); err != nil {
		return fmt.Errorf("shp: write record %d: %w", w.count, err)
	}
	if _, err := w.sw.Write(content); err != nil {
		return fmt.Errorf("shp: write record %d: %w", w.count, err)
	}

	var entry [indexEntrySize]byte
	binary.BigEndian.PutUint32(entry[0:], uint32(w.offset/2))
	binary.BigEndian.PutUint32(entry[4:], uint32(words))
	if _, err := w.xw.Write(entry[:]); err != nil {
		return fmt.Errorf("shx: write entry %d: %w", w.count, err)
	}
	w.offset += recordHeaderSize + int64(len(content))
	return nil
}

// Close flushes records and writes the final headers.
func (w *Writer) Close() error {
	defer w.abort()
	if err := w.sw.Flush(); err != nil {
		return fmt.Errorf("shp: flush: %w", err)
	}
	if err := w.xw.Flush(); err != nil {
		return fmt.Errorf("shx: flush: %w", err)
	}
	if _, err := w.shp.WriteAt(w.header(w.offset), 0); err != nil {
		return fmt.Errorf("shp: write header: %w", err)
	}
	shxLen := int64(HeaderSize) + int64(w.count)*indexEntrySize
	if _, err := w.shx.WriteAt(w.header(shxLen), 0); err != nil {
		return fmt.Errorf("shx: write header: %w", err)
	}
	if err := w.shp.Sync(); err != nil {
		return fmt.Errorf("shp: sync: %w", err)
	}
	return nil
}

func (w *Writer) header(fileBytes int64) []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = binary.BigEndian.AppendUint32(buf, FileCode)
	buf = append(buf, make([]byte, 20)...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(fileBytes/2))
	buf = le(buf, Version, uint32(w.typ))
	b := w.bound
	if w.empty {
		b = orb.Bound{}
	}
	buf = f64(buf, b.Min[0], b.Min[1], b.Max[0], b.Max[1], 0, 0, 0, 0)
	return buf
}

func le(buf []byte, vs ...uint32) []byte {
	for _, v := range vs {
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	return buf
}

func f64(buf []byte, vs ...float64) []byte {
	for _, v := range vs {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}
