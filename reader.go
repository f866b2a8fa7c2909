package shapefile

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	flatgeobuf "github.com/flatgeobuf/flatgeobuf/src/go"
	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/paulmach/orb/geojson"

	"github.com/tingold/orb-shapefile/internal/geoerr"
)

// ReadFlatGeobuf loads a FlatGeobuf file into a MemoryProvider. Features
// are found through the file's built-in spatial index, so a file written
// without one yields ErrNoIndex.
func ReadFlatGeobuf(path string) (*MemoryProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, geoerr.NotFound(path, err)
	}
	return ReadFlatGeobufData(path, data)
}

// ReadFlatGeobufData is ReadFlatGeobuf over an in-memory file. id becomes
// the provider's connection id.
func ReadFlatGeobufData(id string, data []byte) (*MemoryProvider, error) {
	fgb, err := flatgeobuf.NewWithData(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, id, err)
	}
	return loadFlatGeobuf(id, fgb, data)
}

// headerEnd returns the offset of the first byte after the magic bytes, the
// header size prefix and the header.
func headerEnd(data []byte) int {
	if len(data) < 12 {
		return len(data)
	}
	return 12 + int(binary.LittleEndian.Uint32(data[8:12]))
}

func loadFlatGeobuf(id string, fgb *flatgeobuf.FlatGeoBuf, data []byte) (*MemoryProvider, error) {
	h := fgb.Header()
	if h == nil {
		return nil, fmt.Errorf("%w: %s: no header", ErrUnsupportedFormat, id)
	}
	fields := fieldsFromHeader(h)

	// Without an index the features count may be zero even when features
	// follow the header.
	if h.IndexNodeSize() == 0 && (h.FeaturesCount() > 0 || len(data) > headerEnd(data)) {
		return nil, fmt.Errorf("%w: %s", ErrNoIndex, id)
	}

	fc := geojson.NewFeatureCollection()
	if h.FeaturesCount() > 0 {

		// Search with the header envelope, or everything when absent
		minX, minY := -math.MaxFloat64, -math.MaxFloat64
		maxX, maxY := math.MaxFloat64, math.MaxFloat64
		if h.EnvelopeLength() >= 4 {
			minX, minY = h.Envelope(0), h.Envelope(1)
			maxX, maxY = h.Envelope(2), h.Envelope(3)
		}

		features, err := fgb.Search(minX, minY, maxX, maxY)
		if err != nil {
			return nil, fmt.Errorf("shapefile: read flatgeobuf %s: %w", id, err)
		}
		for _, fgbFeature := range features {
			if f := convertFeature(fgbFeature, h); f != nil {
				fc.Append(f)
			}
		}
	}

	p := NewMemoryProvider(id, fc, fields)
	var crs flattypes.Crs
	if h.Crs(&crs) != nil && crs.Code() > 0 {
		p.SetSRID(int(crs.Code()))
	}
	return p, nil
}

// convertFeature converts a FlatGeobuf feature to a geojson.Feature.
func convertFeature(fgbFeature *flattypes.Feature, header *flattypes.Header) *geojson.Feature {
	if fgbFeature == nil {
		return nil
	}

	var geomObj flattypes.Geometry
	geom := geometryFromFGB(fgbFeature.Geometry(&geomObj), header.GeometryType())
	if geom == nil {
		return nil
	}

	feature := geojson.NewFeature(geom)

	propsLen := fgbFeature.PropertiesLength()
	if propsLen > 0 && header.ColumnsLength() > 0 {
		propsBytes := make([]byte, propsLen)
		for i := 0; i < propsLen; i++ {
			propsBytes[i] = byte(fgbFeature.Properties(i))
		}
		feature.Properties = decodeProperties(propsBytes, header)
	}

	return feature
}
