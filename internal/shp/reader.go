package shp

import (
	"fmt"
	"io"
	"os"

	"github.com/paulmach/orb"

	"github.com/tingold/orb-shapefile/internal/binreader"
	"github.com/tingold/orb-shapefile/internal/geoerr"
)

// Reader decodes records from a .shp file located through its .shx index.
// The .shx is small (eight bytes per record) and is held in memory; .shp
// records are read on demand with ReadAt, so a Reader is safe for concurrent
// use by multiple goroutines.
type Reader struct {
	shp    io.ReaderAt
	closer io.Closer

	header Header
	index  []byte
	count  uint32
}

// Open opens a .shp file and its .shx index.
func Open(shpPath, shxPath string) (*Reader, error) {
	index, err := os.ReadFile(shxPath)
	if err != nil {
		return nil, geoerr.NotFound(shxPath, err)
	}
	f, err := os.Open(shpPath)
	if err != nil {
		return nil, geoerr.NotFound(shpPath, err)
	}
	r, err := NewReader(f, index)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", shpPath, err)
	}
	r.closer = f
	return r, nil
}

// NewReader parses the .shp header from shp and the complete contents of a
// .shx file.
func NewReader(shp io.ReaderAt, index []byte) (*Reader, error) {
	c, err := binreader.ReadBlock(shp, 0, HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("%w: shp header: %v", geoerr.ErrUnsupportedFormat, err)
	}
	h, err := parseHeader(c, "shp")
	if err != nil {
		return nil, err
	}

	xh, err := parseHeader(binreader.New(index), "shx")
	if err != nil {
		return nil, err
	}
	if xh.ShapeType != h.ShapeType {
		return nil, fmt.Errorf("%w: shx shape type %s does not match shp %s",
			geoerr.ErrUnsupportedFormat, xh.ShapeType, h.ShapeType)
	}

	body := int64(len(index)) - HeaderSize
	if declared := xh.FileBytes() - HeaderSize; declared < body {
		body = declared
	}
	return &Reader{
		shp:    shp,
		header: h,
		index:  index,
		count:  uint32(body / indexEntrySize),
	}, nil
}

// Close releases the .shp file, if the reader owns one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// Header returns the .shp header.
func (r *Reader) Header() Header { return r.header }

// ShapeType returns the file-level shape type.
func (r *Reader) ShapeType() ShapeType { return r.header.ShapeType }

// NumRecords returns the number of entries in the .shx index.
func (r *Reader) NumRecords() uint32 { return r.count }

// IndexData returns the raw .shx contents. The slice must not be modified.
func (r *Reader) IndexData() []byte { return r.index }

// Locate returns the byte offset of a record header in the .shp and the
// total record size, header included.
func (r *Reader) Locate(id uint32) (offset int64, size int, err error) {
	if id >= r.count {
		return 0, 0, fmt.Errorf("%w: shp record %d of %d", geoerr.ErrRecordNotFound, id, r.count)
	}
	c := binreader.New(r.index)
	c.Seek(HeaderSize + int(id)*indexEntrySize)
	off, words := c.Int32BE(), c.Int32BE()
	if err := c.Err(); err != nil {
		return 0, 0, &geoerr.GeometryError{ID: id, Reason: err.Error()}
	}
	if off < HeaderSize/2 || words < 2 {
		return 0, 0, &geoerr.GeometryError{
			ID:     id,
			Reason: fmt.Sprintf("shx entry offset %d, length %d words", off, words),
		}
	}
	return wordsToBytes(off), recordHeaderSize + int(wordsToBytes(words)), nil
}

// record reads a full record and returns a cursor positioned at the
// payload following the record shape type.
func (r *Reader) record(id uint32, limit int) (*binreader.Cursor, ShapeType, error) {
	off, size, err := r.Locate(id)
	if err != nil {
		return nil, 0, err
	}
	if limit > 0 && limit < size {
		size = limit
	}
	c, err := binreader.ReadBlock(r.shp, off, size)
	if err != nil {
		return nil, 0, &geoerr.GeometryError{ID: id, Reason: err.Error()}
	}
	c.Skip(recordHeaderSize)
	st := ShapeType(c.Int32LE())
	if err := c.Err(); err != nil {
		return nil, 0, &geoerr.GeometryError{ID: id, Reason: err.Error()}
	}
	if st != Null && st != r.header.ShapeType {
		return nil, 0, &geoerr.GeometryError{
			ID:     id,
			Reason: fmt.Sprintf("record shape type %s in %s file", st, r.header.ShapeType),
		}
	}
	return c, st, nil
}

// ReadGeometry decodes record id. A Null shape yields a nil geometry and a
// nil error; an id outside the index yields ErrRecordNotFound. Z and M
// ordinates are dropped.
func (r *Reader) ReadGeometry(id uint32) (orb.Geometry, error) {
	c, st, err := r.record(id, 0)
	if err != nil {
		return nil, err
	}
	if st == Null {
		return nil, nil
	}
	return decode(id, st, c)
}

// ReadBound returns the bounding box stored in record id without decoding
// its coordinates. ok is false for Null shapes and unusable boxes.
func (r *Reader) ReadBound(id uint32) (b orb.Bound, ok bool, err error) {
	// record header, shape type and a point or a bbox
	c, st, err := r.record(id, recordHeaderSize+4+32)
	if err != nil {
		return orb.Bound{}, false, err
	}
	switch st.Base() {
	case Null:
		return orb.Bound{}, false, nil
	case Point:
		x, y := c.Float64LE(), c.Float64LE()
		if err := c.Err(); err != nil {
			return orb.Bound{}, false, &geoerr.GeometryError{ID: id, Reason: err.Error()}
		}
		b, ok = makeBound(x, y, x, y)
		return b, ok, nil
	default:
		minX, minY := c.Float64LE(), c.Float64LE()
		maxX, maxY := c.Float64LE(), c.Float64LE()
		if err := c.Err(); err != nil {
			return orb.Bound{}, false, &geoerr.GeometryError{ID: id, Reason: err.Error()}
		}
		b, ok = makeBound(minX, minY, maxX, maxY)
		return b, ok, nil
	}
}
