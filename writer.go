package shapefile

import (
	"errors"
	"fmt"
	"io"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
)

// WriteFlatGeobuf exports every visible feature of an open provider to w
// in FlatGeobuf format. Features are pulled one record at a time, so deleted
// records, records failing the provider's attribute filter and Null shapes
// are left out. Columns follow the provider's attribute schema.
func WriteFlatGeobuf(w io.Writer, p Provider, opts *FlatGeobufOptions) error {
	if opts == nil {
		opts = DefaultFlatGeobufOptions()
	}

	fields, err := p.Fields()
	if err != nil {
		return err
	}
	count, err := p.GetFeatureCount()
	if err != nil {
		return err
	}

	crs := opts.CRS
	if crs == nil {
		crs = providerCRS(p)
	}

	builder := flatbuffers.NewBuilder(4096)

	header := writer.NewHeader(builder)
	// shapefile records mix single and multi part geometries
	header.SetGeometryType(flattypes.GeometryTypeUnknown)

	if opts.Name != "" {
		header.SetName(opts.Name)
	}
	if opts.Description != "" {
		header.SetDescription(opts.Description)
	}
	if len(fields) > 0 {
		header.SetColumns(buildColumns(fields, builder))
	}

	if crs != nil {
		c := writer.NewCrs(builder)
		c.SetOrg("EPSG") // Default organization
		if crs.Code > 0 {
			c.SetCode(int32(crs.Code))
		}
		if crs.Name != "" {
			c.SetName(crs.Name)
		}
		if crs.Description != "" {
			c.SetDescription(crs.Description)
		}
		// WKT can be stored in description if needed
		if crs.WKT != "" && crs.Description == "" {
			c.SetDescription(crs.WKT)
		}
		header.SetCrs(c)
	}

	gen := &providerFeatureGenerator{
		provider: p,
		fields:   fields,
		count:    count,
	}

	fgbWriter := writer.NewWriter(header, opts.IncludeIndex, gen, nil)
	if _, err := fgbWriter.Write(w); err != nil {
		return fmt.Errorf("shapefile: write flatgeobuf: %w", err)
	}
	if gen.err != nil {
		return fmt.Errorf("shapefile: write flatgeobuf: %w", gen.err)
	}
	return nil
}

// providerCRS describes the provider's spatial reference, using its .prj
// text when it has one.
func providerCRS(p Provider) *CRS {
	var crs CRS
	if wkt, err := p.Projection(); err == nil && wkt != "" {
		crs.Name = wktName(wkt)
		crs.WKT = wkt
	}
	crs.Code = p.SRID()
	if crs.Code <= 0 && crs.WKT == "" {
		return nil
	}
	return &crs
}

// providerFeatureGenerator pulls features from a provider by id. The first
// read error ends generation and is kept in err.
type providerFeatureGenerator struct {
	provider Provider
	fields   []Field
	count    uint32
	next     uint32
	err      error
}

func (g *providerFeatureGenerator) Generate() *writer.Feature {
	for g.err == nil && g.next < g.count {
		id := g.next
		g.next++

		f, err := g.provider.GetFeatureByID(id)
		if errors.Is(err, ErrRecordNotFound) {
			// the attribute table is longer than the geometry index
			return nil
		}
		if err != nil {
			g.err = err
			return nil
		}
		if f == nil || f.Geometry == nil {
			continue
		}

		builder := flatbuffers.NewBuilder(1024)
		fgbGeom := geometryToFGB(f.Geometry, builder)
		if fgbGeom == nil {
			continue
		}

		feature := writer.NewFeature(builder)
		feature.SetGeometry(fgbGeom)
		if props := encodeProperties(f.Properties, g.fields); len(props) > 0 {
			feature.SetProperties(props)
		}
		return feature
	}
	return nil
}
