// Package dbf reads and writes the DBase III attribute table (.dbf) that
// accompanies a shapefile.
package dbf

import (
	"bytes"
	"fmt"
	"time"

	"github.com/tingold/orb-shapefile/internal/binreader"
	"github.com/tingold/orb-shapefile/internal/geoerr"
)

const (
	// Version is the only DBase version byte accepted.
	Version = 0x03

	headerSize     = 32
	descriptorSize = 32
	fieldTerm      = 0x0D
	eofMarker      = 0x1A

	deletedFlag = '*'
	activeFlag  = ' '
)

// FieldType is the logical type a field's bytes are parsed into.
type FieldType uint8

const (
	FieldString FieldType = iota + 1
	FieldBool
	FieldInt8
	FieldInt16
	FieldInt32
	FieldInt64
	FieldFloat64
	FieldDate
	FieldBinary
)

var fieldTypeNames = map[FieldType]string{
	FieldString:  "String",
	FieldBool:    "Bool",
	FieldInt8:    "Int8",
	FieldInt16:   "Int16",
	FieldInt32:   "Int32",
	FieldInt64:   "Int64",
	FieldFloat64: "Float64",
	FieldDate:    "Date",
	FieldBinary:  "Binary",
}

func (t FieldType) String() string {
	if s, ok := fieldTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("FieldType(%d)", uint8(t))
}

// Field is one parsed field descriptor. Offset counts from the start of the
// record, so the first field sits at offset 1 after the deletion flag.
type Field struct {
	Name     string
	Kind     byte // DBase type char: C, L, D, N, F or B
	Type     FieldType
	Length   int
	Decimals int
	Offset   int
}

// Header is the fixed 32-byte DBase file header.
type Header struct {
	Version        byte
	LastUpdate     time.Time
	NumRecords     uint32
	HeaderLength   uint16
	RecordLength   uint16
	LanguageDriver byte
}

// NarrowNumeric returns the logical type of an N field: decimal fields are
// floating point, integral fields get the smallest integer width for their
// digit count. One byte of the field length is reserved for the sign, so
// N(3,0) is 8-bit, N(10,0) is 32-bit and N(19,0) is 64-bit.
func NarrowNumeric(length, decimals int) FieldType {
	if decimals > 0 {
		return FieldFloat64
	}
	digits := length - 1
	switch {
	case digits <= 2:
		return FieldInt8
	case digits <= 4:
		return FieldInt16
	case digits <= 9:
		return FieldInt32
	case digits <= 18:
		return FieldInt64
	default:
		return FieldFloat64
	}
}

func fieldType(name string, kind byte, length, decimals int) (FieldType, error) {
	switch kind {
	case 'C':
		return FieldString, nil
	case 'L':
		return FieldBool, nil
	case 'D':
		return FieldDate, nil
	case 'N':
		return NarrowNumeric(length, decimals), nil
	case 'F':
		return FieldFloat64, nil
	case 'B':
		return FieldBinary, nil
	default:
		return 0, &geoerr.FieldTypeError{Field: name, Type: kind}
	}
}

func parseHeader(c *binreader.Cursor) (Header, error) {
	var h Header
	h.Version = c.Uint8()
	yy, mm, dd := c.Uint8(), c.Uint8(), c.Uint8()
	h.NumRecords = c.Uint32LE()
	h.HeaderLength = c.Uint16LE()
	h.RecordLength = c.Uint16LE()
	c.Seek(29)
	h.LanguageDriver = c.Uint8()
	if err := c.Err(); err != nil {
		return h, fmt.Errorf("%w: dbf header: %v", geoerr.ErrUnsupportedFormat, err)
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: dbf version byte 0x%02x", geoerr.ErrUnsupportedFormat, h.Version)
	}
	if h.HeaderLength < headerSize+1 || h.RecordLength < 1 {
		return h, fmt.Errorf("%w: dbf header length %d, record length %d",
			geoerr.ErrUnsupportedFormat, h.HeaderLength, h.RecordLength)
	}
	if mm >= 1 && mm <= 12 && dd >= 1 && dd <= 31 {
		h.LastUpdate = time.Date(1900+int(yy), time.Month(mm), int(dd), 0, 0, 0, 0, time.UTC)
	}
	return h, nil
}

// parseFields reads descriptors from the bytes following the 32-byte header
// up to the 0x0D terminator.
func parseFields(c *binreader.Cursor, h Header) ([]Field, error) {
	var fields []Field
	offset := 1
	for c.Remaining() >= descriptorSize {
		desc := c.Bytes(descriptorSize)
		if desc[0] == fieldTerm {
			break
		}

		raw := desc[:11]
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		name := string(bytes.TrimSpace(raw))
		kind := desc[11]
		length := int(desc[16])
		decimals := int(desc[17])
		if kind == 'C' && decimals > 0 {
			// FoxPro stores character lengths above 255 in the decimal byte.
			length |= decimals << 8
			decimals = 0
		}

		ft, err := fieldType(name, kind, length, decimals)
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{
			Name:     name,
			Kind:     kind,
			Type:     ft,
			Length:   length,
			Decimals: decimals,
			Offset:   offset,
		})
		offset += length
	}
	if c.Remaining() > 0 && c.Remaining() < descriptorSize && c.Bytes(1)[0] != fieldTerm {
		return nil, fmt.Errorf("%w: dbf field descriptors are not terminated", geoerr.ErrUnsupportedFormat)
	}
	if offset > int(h.RecordLength) {
		return nil, fmt.Errorf("%w: dbf fields span %d bytes but records are %d bytes",
			geoerr.ErrUnsupportedFormat, offset, h.RecordLength)
	}
	return fields, nil
}
