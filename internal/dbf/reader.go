package dbf

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/encoding"

	"github.com/tingold/orb-shapefile/internal/binreader"
	"github.com/tingold/orb-shapefile/internal/geoerr"
)

// Reader provides random access to the records of a .dbf file. Reads use
// ReadAt and are safe for concurrent use, including with SetEncoding.
type Reader struct {
	r      io.ReaderAt
	closer io.Closer

	header   Header
	fields   []Field
	byName   map[string]int
	sidecars []string
	codec    atomic.Pointer[codec]
}

type codec struct {
	enc      encoding.Encoding
	resolved bool
}

// Open opens path and parses its header and field descriptors. When enc is
// nil the encoding is taken from the language driver id, then from a .cpg or
// .cst file next to path, then UTF-8.
func Open(path string, enc encoding.Encoding) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, geoerr.NotFound(path, err)
	}

	r, err := NewReader(f, enc, sidecars(path)...)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// NewReader parses a table from r. Sidecar paths are consulted for the
// encoding only when enc is nil and the language driver is unknown.
func NewReader(r io.ReaderAt, enc encoding.Encoding, sidecars ...string) (*Reader, error) {
	c, err := binreader.ReadBlock(r, 0, headerSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", geoerr.ErrUnsupportedFormat, err)
	}
	h, err := parseHeader(c)
	if err != nil {
		return nil, err
	}

	c, err = binreader.ReadBlock(r, headerSize, int(h.HeaderLength)-headerSize)
	if err != nil {
		return nil, fmt.Errorf("%w: dbf field descriptors: %v", geoerr.ErrUnsupportedFormat, err)
	}
	fields, err := parseFields(c, h)
	if err != nil {
		return nil, err
	}

	rd := &Reader{
		r:        r,
		header:   h,
		fields:   fields,
		byName:   make(map[string]int, len(fields)),
		sidecars: sidecars,
	}
	for i, f := range fields {
		rd.byName[strings.ToUpper(f.Name)] = i
	}

	rd.SetEncoding(enc)
	return rd, nil
}

func sidecars(path string) []string {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	return []string{base + ".cpg", base + ".CPG", base + ".cst", base + ".CST"}
}

// Close releases the underlying file, if the reader owns one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// Header returns the parsed file header.
func (r *Reader) Header() Header { return r.header }

// Fields returns the field descriptors in record order.
func (r *Reader) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// FieldIndex returns the position of a field by case-insensitive name.
func (r *Reader) FieldIndex(name string) (int, bool) {
	i, ok := r.byName[strings.ToUpper(name)]
	return i, ok
}

// NumRecords returns the record count declared in the header.
func (r *Reader) NumRecords() uint32 { return r.header.NumRecords }

// Encoding returns the encoding used to decode string fields.
func (r *Reader) Encoding() encoding.Encoding { return r.codec.Load().enc }

// EncodingResolved reports whether the encoding came from an override, the
// language driver or a sidecar rather than the UTF-8 fallback.
func (r *Reader) EncodingResolved() bool { return r.codec.Load().resolved }

// SetEncoding replaces the string decoder. A nil encoding re-runs detection
// against the language driver and the sidecars the reader was opened with.
func (r *Reader) SetEncoding(enc encoding.Encoding) {
	c := &codec{enc: enc, resolved: true}
	if enc == nil {
		c.enc, c.resolved = ResolveEncoding(r.header.LanguageDriver, r.sidecars...)
	}
	r.codec.Store(c)
}

func (r *Reader) record(id uint32) ([]byte, error) {
	if id >= r.header.NumRecords {
		return nil, fmt.Errorf("%w: dbf record %d of %d", geoerr.ErrRecordNotFound, id, r.header.NumRecords)
	}
	off := int64(r.header.HeaderLength) + int64(id)*int64(r.header.RecordLength)
	c, err := binreader.ReadBlock(r.r, off, int(r.header.RecordLength))
	if err != nil {
		return nil, fmt.Errorf("dbf record %d: %w", id, err)
	}
	return c.Bytes(c.Len()), nil
}

// RecordDeleted reports whether byte 0 of the record is the '*' flag.
func (r *Reader) RecordDeleted(id uint32) (bool, error) {
	if id >= r.header.NumRecords {
		return false, fmt.Errorf("%w: dbf record %d of %d", geoerr.ErrRecordNotFound, id, r.header.NumRecords)
	}
	off := int64(r.header.HeaderLength) + int64(id)*int64(r.header.RecordLength)
	c, err := binreader.ReadBlock(r.r, off, 1)
	if err != nil {
		return false, fmt.Errorf("dbf record %d: %w", id, err)
	}
	return c.Uint8() == deletedFlag, nil
}

// GetValues returns the parsed field values of a record in field order. A
// value that cannot be parsed is nil.
func (r *Reader) GetValues(id uint32) ([]any, error) {
	_, values, err := r.ReadRecord(id)
	return values, err
}

// ReadRecord returns the deletion flag and the parsed values of a record.
func (r *Reader) ReadRecord(id uint32) (deleted bool, values []any, err error) {
	buf, err := r.record(id)
	if err != nil {
		return false, nil, err
	}
	values = make([]any, len(r.fields))
	for i := range r.fields {
		values[i] = r.parse(&r.fields[i], buf)
	}
	return buf[0] == deletedFlag, values, nil
}

// GetRecord returns the record as a map keyed by field name.
func (r *Reader) GetRecord(id uint32) (map[string]any, error) {
	values, err := r.GetValues(id)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any, len(values))
	for i, v := range values {
		m[r.fields[i].Name] = v
	}
	return m, nil
}

// GetValue returns a single field value of a record.
func (r *Reader) GetValue(id uint32, field string) (any, error) {
	i, ok := r.FieldIndex(field)
	if !ok {
		return nil, fmt.Errorf("dbf: no field %q", field)
	}
	buf, err := r.record(id)
	if err != nil {
		return nil, err
	}
	return r.parse(&r.fields[i], buf), nil
}

func (r *Reader) parse(f *Field, rec []byte) any {
	end := f.Offset + f.Length
	if end > len(rec) {
		return nil
	}
	raw := rec[f.Offset:end]

	switch f.Type {
	case FieldString:
		return r.decodeString(raw)
	case FieldBool:
		return parseBool(raw)
	case FieldDate:
		return parseDate(raw)
	case FieldBinary:
		b := bytes.TrimRight(raw, "\x00 ")
		if len(b) == 0 {
			return nil
		}
		return append([]byte(nil), b...)
	default:
		return parseNumber(f.Type, raw)
	}
}

func (r *Reader) decodeString(raw []byte) any {
	b := bytes.Trim(raw, "\x00 ")
	if len(b) == 0 {
		return ""
	}
	s, err := r.Encoding().NewDecoder().Bytes(b)
	if err != nil {
		return strings.TrimSpace(string(b))
	}
	return strings.Trim(string(s), "\x00 ")
}

func parseBool(raw []byte) any {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case 'T', 't', 'Y', 'y':
		return true
	case 'F', 'f', 'N', 'n':
		return false
	default:
		return nil
	}
}

func parseDate(raw []byte) any {
	s := strings.Trim(string(raw), "\x00 ")
	if len(s) != 8 {
		return nil
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return nil
	}
	return t
}

// parseNumber parses ASCII decimal text. Blank, star-filled and otherwise
// unparseable fields yield nil.
func parseNumber(ft FieldType, raw []byte) any {
	s := strings.Trim(string(raw), "\x00 ")
	if s == "" || strings.Trim(s, "*") == "" {
		return nil
	}

	if ft == FieldFloat64 {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		return v
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// integral columns occasionally carry a trailing ".0"
		v, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || v != math.Trunc(v) || math.Abs(v) > math.MaxInt64 {
			return nil
		}
		n = int64(v)
	}

	switch ft {
	case FieldInt8:
		if n < math.MinInt8 || n > math.MaxInt8 {
			return nil
		}
		return int8(n)
	case FieldInt16:
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil
		}
		return int16(n)
	case FieldInt32:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil
		}
		return int32(n)
	default:
		return n
	}
}
