package shapefile

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb/geojson"
)

// columnTypes maps attribute types to FlatGeobuf column types.
var columnTypes = map[FieldType]flattypes.ColumnType{
	FieldBool:    flattypes.ColumnTypeBool,
	FieldInt8:    flattypes.ColumnTypeByte,
	FieldInt16:   flattypes.ColumnTypeShort,
	FieldInt32:   flattypes.ColumnTypeInt,
	FieldInt64:   flattypes.ColumnTypeLong,
	FieldFloat64: flattypes.ColumnTypeDouble,
	FieldString:  flattypes.ColumnTypeString,
	FieldDate:    flattypes.ColumnTypeDateTime,
	FieldBinary:  flattypes.ColumnTypeBinary,
}

func columnType(t FieldType) flattypes.ColumnType {
	if ct, ok := columnTypes[t]; ok {
		return ct
	}
	return flattypes.ColumnTypeString
}

// fieldFromColumn maps a FlatGeobuf column back to an attribute field.
// Column types without a DBase counterpart widen to the closest one.
func fieldFromColumn(name string, ct flattypes.ColumnType) Field {
	f := Field{Name: name}
	switch ct {
	case flattypes.ColumnTypeBool:
		f.Kind, f.Type, f.Length = 'L', FieldBool, 1
	case flattypes.ColumnTypeByte:
		f.Kind, f.Type, f.Length = 'N', FieldInt8, 3
	case flattypes.ColumnTypeUByte, flattypes.ColumnTypeShort:
		f.Kind, f.Type, f.Length = 'N', FieldInt16, 5
	case flattypes.ColumnTypeUShort, flattypes.ColumnTypeInt:
		f.Kind, f.Type, f.Length = 'N', FieldInt32, 10
	case flattypes.ColumnTypeUInt, flattypes.ColumnTypeLong, flattypes.ColumnTypeULong:
		f.Kind, f.Type, f.Length = 'N', FieldInt64, 19
	case flattypes.ColumnTypeFloat, flattypes.ColumnTypeDouble:
		f.Kind, f.Type, f.Length, f.Decimals = 'F', FieldFloat64, 19, 11
	case flattypes.ColumnTypeDateTime:
		f.Kind, f.Type, f.Length = 'D', FieldDate, 8
	case flattypes.ColumnTypeBinary:
		f.Kind, f.Type, f.Length = 'B', FieldBinary, 10
	default:
		f.Kind, f.Type, f.Length = 'C', FieldString, 254
	}
	return f
}

// buildColumns declares one nullable column per field, in field order.
func buildColumns(fields []Field, builder *flatbuffers.Builder) []*writer.Column {
	columns := make([]*writer.Column, 0, len(fields))
	for _, f := range fields {
		col := writer.NewColumn(builder)
		col.SetName(f.Name)
		col.SetTitle(f.Name) // Set title to match name for JS library compatibility
		col.SetType(columnType(f.Type))
		col.SetNullable(true)
		columns = append(columns, col)
	}
	return columns
}

// fieldsFromHeader returns the attribute schema of a FlatGeobuf layer.
func fieldsFromHeader(h *flattypes.Header) []Field {
	n := h.ColumnsLength()
	fields := make([]Field, 0, n)
	for i := 0; i < n; i++ {
		var col flattypes.Column
		if h.Columns(&col, i) {
			fields = append(fields, fieldFromColumn(string(col.Name()), col.Type()))
		}
	}
	return fields
}

// encodeProperties encodes props in FlatGeobuf binary form: for each
// non-null field in schema order, a uint16 column index followed by the
// value. Values that cannot be converted to their column type are left out.
func encodeProperties(props geojson.Properties, fields []Field) []byte {
	if len(props) == 0 || len(fields) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for i, f := range fields {
		value, ok := props[f.Name]
		if !ok || value == nil {
			continue
		}
		b, ok := encodeValue(nil, value, columnType(f.Type))
		if !ok {
			continue
		}
		buf.Write(binary.LittleEndian.AppendUint16(nil, uint16(i)))
		buf.Write(b)
	}
	return buf.Bytes()
}

// encodeValue appends value encoded as column type ct.
func encodeValue(dst []byte, value any, ct flattypes.ColumnType) ([]byte, bool) {
	switch ct {
	case flattypes.ColumnTypeBool:
		v, ok := value.(bool)
		if !ok {
			return nil, false
		}
		if v {
			return append(dst, 1), true
		}
		return append(dst, 0), true

	case flattypes.ColumnTypeByte:
		v, ok := toInt64(value)
		if !ok || v < math.MinInt8 || v > math.MaxInt8 {
			return nil, false
		}
		return append(dst, byte(int8(v))), true

	case flattypes.ColumnTypeShort:
		v, ok := toInt64(value)
		if !ok || v < math.MinInt16 || v > math.MaxInt16 {
			return nil, false
		}
		return binary.LittleEndian.AppendUint16(dst, uint16(int16(v))), true

	case flattypes.ColumnTypeInt:
		v, ok := toInt64(value)
		if !ok || v < math.MinInt32 || v > math.MaxInt32 {
			return nil, false
		}
		return binary.LittleEndian.AppendUint32(dst, uint32(int32(v))), true

	case flattypes.ColumnTypeLong:
		v, ok := toInt64(value)
		if !ok {
			return nil, false
		}
		return binary.LittleEndian.AppendUint64(dst, uint64(v)), true

	case flattypes.ColumnTypeDouble:
		v, ok := toFloat64(value)
		if !ok {
			return nil, false
		}
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v)), true

	case flattypes.ColumnTypeDateTime:
		var s string
		switch v := value.(type) {
		case time.Time:
			s = v.Format(time.RFC3339)
		case string:
			s = v
		default:
			return nil, false
		}
		return append(append(dst, s...), 0), true

	case flattypes.ColumnTypeBinary:
		b, ok := value.([]byte)
		if !ok {
			return nil, false
		}
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b)))
		return append(dst, b...), true

	default:
		return append(append(dst, toString(value)...), 0), true
	}
}

// decodeProperties decodes FlatGeobuf binary properties using the column
// schema of header. Decoding stops at the first malformed entry.
func decodeProperties(data []byte, header *flattypes.Header) geojson.Properties {
	if len(data) == 0 || header == nil {
		return nil
	}

	props := make(geojson.Properties)
	offset := 0

	for offset+2 <= len(data) {
		colIndex := int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2

		var col flattypes.Column
		if colIndex >= header.ColumnsLength() || !header.Columns(&col, colIndex) {
			break
		}

		value, n := readPropertyValue(data[offset:], col.Type())
		if n == 0 {
			break
		}
		offset += n
		props[string(col.Name())] = value
	}

	return props
}

// readPropertyValue reads a value of type ct from the front of data and
// returns it with the number of bytes consumed, or 0 when data is too
// short.
func readPropertyValue(data []byte, ct flattypes.ColumnType) (any, int) {
	fixed := func(n int) bool { return len(data) >= n }

	switch ct {
	case flattypes.ColumnTypeBool:
		if !fixed(1) {
			return nil, 0
		}
		return data[0] != 0, 1

	case flattypes.ColumnTypeByte:
		if !fixed(1) {
			return nil, 0
		}
		return int8(data[0]), 1

	case flattypes.ColumnTypeUByte:
		if !fixed(1) {
			return nil, 0
		}
		return int16(data[0]), 1

	case flattypes.ColumnTypeShort:
		if !fixed(2) {
			return nil, 0
		}
		return int16(binary.LittleEndian.Uint16(data)), 2

	case flattypes.ColumnTypeUShort:
		if !fixed(2) {
			return nil, 0
		}
		return int32(binary.LittleEndian.Uint16(data)), 2

	case flattypes.ColumnTypeInt:
		if !fixed(4) {
			return nil, 0
		}
		return int32(binary.LittleEndian.Uint32(data)), 4

	case flattypes.ColumnTypeUInt:
		if !fixed(4) {
			return nil, 0
		}
		return int64(binary.LittleEndian.Uint32(data)), 4

	case flattypes.ColumnTypeLong, flattypes.ColumnTypeULong:
		if !fixed(8) {
			return nil, 0
		}
		return int64(binary.LittleEndian.Uint64(data)), 8

	case flattypes.ColumnTypeFloat:
		if !fixed(4) {
			return nil, 0
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data))), 4

	case flattypes.ColumnTypeDouble:
		if !fixed(8) {
			return nil, 0
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), 8

	case flattypes.ColumnTypeDateTime:
		s, n := readCString(data)
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), n
		}
		return s, n

	case flattypes.ColumnTypeJson:
		s, n := readCString(data)
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return s, n
		}
		return v, n

	case flattypes.ColumnTypeBinary:
		if !fixed(4) {
			return nil, 0
		}
		length := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+length {
			return nil, 0
		}
		return append([]byte(nil), data[4:4+length]...), 4 + length

	default:
		return readCString(data)
	}
}

// readCString reads a NUL-terminated string, or the rest of data when the
// terminator is missing.
func readCString(data []byte) (string, int) {
	i := bytes.IndexByte(data, 0)
	if i == -1 {
		return string(data), len(data)
	}
	return string(data[:i]), i + 1
}

// Type conversion helpers

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<63 {
			return int64(val), true
		}
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f, true
		}
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		// For other types, use JSON encoding
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
