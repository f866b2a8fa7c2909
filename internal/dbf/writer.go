package dbf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding"

	"github.com/tingold/orb-shapefile/internal/binreader"
	"github.com/tingold/orb-shapefile/internal/geoerr"
)

// FieldSpec declares a field for Writer.
type FieldSpec struct {
	Name     string
	Kind     byte // C, L, D, N, F or B
	Length   int
	Decimals int
}

// Writer creates a version 0x03 table. Records are appended with Write and
// the header is finalized by Close.
type Writer struct {
	f      *os.File
	w      *bufio.Writer
	enc    encoding.Encoding
	ldid   byte
	fields []Field
	count  uint32
	recLen int
}

// Create truncates path and writes a header for the given fields. A nil enc
// writes strings as UTF-8 with language driver 0; otherwise ldid is recorded.
func Create(path string, specs []FieldSpec, enc encoding.Encoding, ldid byte) (*Writer, error) {
	fields := make([]Field, 0, len(specs))
	offset := 1
	for _, s := range specs {
		if len(s.Name) > 10 {
			return nil, fmt.Errorf("dbf: field name %q longer than 10 bytes", s.Name)
		}
		if s.Length < 1 || s.Length > 255 {
			return nil, fmt.Errorf("dbf: field %q length %d out of range", s.Name, s.Length)
		}
		ft, err := fieldType(s.Name, s.Kind, s.Length, s.Decimals)
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{
			Name: s.Name, Kind: s.Kind, Type: ft,
			Length: s.Length, Decimals: s.Decimals, Offset: offset,
		})
		offset += s.Length
	}
	if offset > 0xFFFF {
		return nil, fmt.Errorf("dbf: record length %d exceeds 65535", offset)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("dbf: create %s: %w", path, err)
	}
	if enc == nil {
		ldid = 0
	}
	wr := &Writer{f: f, w: bufio.NewWriter(f), enc: enc, ldid: ldid, fields: fields, recLen: offset}
	if err := wr.writeHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return wr, nil
}

func (w *Writer) headerLength() int {
	return headerSize + descriptorSize*len(w.fields) + 1
}

func (w *Writer) writeHeader() error {
	buf := make([]byte, w.headerLength())
	now := time.Now()
	buf[0] = Version
	buf[1] = byte(now.Year() - 1900)
	buf[2] = byte(now.Month())
	buf[3] = byte(now.Day())
	binary.LittleEndian.PutUint32(buf[4:], w.count)
	binary.LittleEndian.PutUint16(buf[8:], uint16(w.headerLength()))
	binary.LittleEndian.PutUint16(buf[10:], uint16(w.recLen))
	buf[29] = w.ldid

	for i, f := range w.fields {
		d := buf[headerSize+i*descriptorSize:]
		copy(d[:11], f.Name)
		d[11] = f.Kind
		d[16] = byte(f.Length)
		d[17] = byte(f.Decimals)
	}
	buf[len(buf)-1] = fieldTerm

	if _, err := w.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("dbf: write header: %w", err)
	}
	if _, err := w.f.Seek(int64(len(buf)), io.SeekStart); err != nil {
		return fmt.Errorf("dbf: seek: %w", err)
	}
	return nil
}

// Write appends a record. values are matched to fields by position; nil
// writes a blank field.
func (w *Writer) Write(values []any, deleted bool) error {
	if len(values) != len(w.fields) {
		return fmt.Errorf("dbf: record has %d values for %d fields", len(values), len(w.fields))
	}
	rec := make([]byte, w.recLen)
	rec[0] = activeFlag
	if deleted {
		rec[0] = deletedFlag
	}
	for i, f := range w.fields {
		b, err := w.format(f, values[i])
		if err != nil {
			return err
		}
		copy(rec[f.Offset:f.Offset+f.Length], b)
	}
	if _, err := w.w.Write(rec); err != nil {
		return fmt.Errorf("dbf: write record %d: %w", w.count, err)
	}
	w.count++
	return nil
}

// Close writes the end-of-file marker and final record count.
func (w *Writer) Close() error {
	if err := w.w.WriteByte(eofMarker); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("dbf: write eof: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("dbf: flush: %w", err)
	}
	if err := w.writeHeader(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

func (w *Writer) format(f Field, v any) ([]byte, error) {
	out := []byte(strings.Repeat(" ", f.Length))
	if v == nil {
		return out, nil
	}

	var s string
	leftAlign := false
	switch f.Kind {
	case 'C':
		str, ok := v.(string)
		if !ok {
			str = fmt.Sprint(v)
		}
		if w.enc != nil {
			enc, err := w.enc.NewEncoder().String(str)
			if err != nil {
				return nil, fmt.Errorf("dbf: encode field %q: %w", f.Name, err)
			}
			str = enc
		}
		s, leftAlign = str, true
	case 'L':
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("dbf: field %q wants bool, got %T", f.Name, v)
		}
		s = "F"
		if b {
			s = "T"
		}
	case 'D':
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("dbf: field %q wants time.Time, got %T", f.Name, v)
		}
		s = t.Format("20060102")
	case 'N', 'F':
		switch n := v.(type) {
		case int:
			s = strconv.FormatInt(int64(n), 10)
		case int8:
			s = strconv.FormatInt(int64(n), 10)
		case int16:
			s = strconv.FormatInt(int64(n), 10)
		case int32:
			s = strconv.FormatInt(int64(n), 10)
		case int64:
			s = strconv.FormatInt(n, 10)
		case float32:
			s = strconv.FormatFloat(float64(n), 'f', f.Decimals, 32)
		case float64:
			s = strconv.FormatFloat(n, 'f', f.Decimals, 64)
		case string:
			s = n
		default:
			return nil, fmt.Errorf("dbf: field %q wants a number, got %T", f.Name, v)
		}
	case 'B':
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("dbf: field %q wants []byte, got %T", f.Name, v)
		}
		s, leftAlign = string(b), true
	}

	if len(s) > f.Length {
		if !leftAlign {
			return nil, fmt.Errorf("dbf: value %q overflows field %q of length %d", s, f.Name, f.Length)
		}
		s = s[:f.Length]
	}
	if leftAlign {
		copy(out, s)
	} else {
		copy(out[f.Length-len(s):], s)
	}
	return out, nil
}

// SetDeleted rewrites the deletion flag of one record in place.
func SetDeleted(path string, id uint32, deleted bool) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return geoerr.NotFound(path, err)
	}
	defer f.Close()

	c, err := binreader.ReadBlock(f, 0, headerSize)
	if err != nil {
		return fmt.Errorf("%w: %v", geoerr.ErrUnsupportedFormat, err)
	}
	h, err := parseHeader(c)
	if err != nil {
		return err
	}
	if id >= h.NumRecords {
		return fmt.Errorf("%w: dbf record %d of %d", geoerr.ErrRecordNotFound, id, h.NumRecords)
	}

	flag := []byte{activeFlag}
	if deleted {
		flag[0] = deletedFlag
	}
	off := int64(h.HeaderLength) + int64(id)*int64(h.RecordLength)
	if _, err := f.WriteAt(flag, off); err != nil {
		return fmt.Errorf("dbf: write deletion flag of record %d: %w", id, err)
	}
	return nil
}
