package shapefile

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/paulmach/orb/geojson"
)

var fgbMagic = []byte{0x66, 0x67, 0x62, 0x03, 0x66, 0x67, 0x62, 0x00}

func exportParcels(t *testing.T, s *ShapeFile, opts *FlatGeobufOptions) *MemoryProvider {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFlatGeobuf(&buf, s, opts); err != nil {
		t.Fatalf("WriteFlatGeobuf failed: %v", err)
	}

	data := buf.Bytes()
	if len(data) < len(fgbMagic) || !bytes.Equal(data[:len(fgbMagic)], fgbMagic) {
		t.Fatalf("missing magic bytes")
	}

	p, err := ReadFlatGeobufData("parcels.fgb", data)
	if err != nil {
		t.Fatalf("ReadFlatGeobufData failed: %v", err)
	}
	return p
}

// propertySet renders every feature's properties as one sorted string per
// feature, so collections can be compared regardless of feature order.
func propertySet(t *testing.T, p Provider) []string {
	t.Helper()
	var out []string
	err := p.ExecuteIntersectionQuery(fullExtent, func(f *geojson.Feature) bool {
		out = append(out, fmt.Sprintf("%v|%v|%v|%v",
			f.Properties["NAME"], f.Properties["POP"], f.Properties["AREA"], f.Properties["ACTIVE"]))
		return true
	})
	if err != nil {
		t.Fatalf("ExecuteIntersectionQuery failed: %v", err)
	}
	sort.Strings(out)
	return out
}

func TestWriteFlatGeobuf_ShapeFile(t *testing.T) {
	s, _ := openParcels(t, nil)
	p := exportParcels(t, s, &FlatGeobufOptions{Name: "parcels", IncludeIndex: true})

	n, err := p.GetFeatureCount()
	if err != nil {
		t.Fatalf("GetFeatureCount failed: %v", err)
	}
	// deleted and Null records are not exported
	if n != parcelGrid*parcelGrid-1 {
		t.Errorf("expected %d features, got %d", parcelGrid*parcelGrid-1, n)
	}

	want, got := propertySet(t, s), propertySet(t, p)
	if len(want) != len(got) {
		t.Fatalf("expected %d property sets, got %d", len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			t.Errorf("property set %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	fields, err := p.Fields()
	if err != nil {
		t.Fatalf("Fields failed: %v", err)
	}
	if len(fields) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(fields))
	}
	for i, typ := range []FieldType{FieldString, FieldInt32, FieldFloat64, FieldBool} {
		if fields[i].Type != typ {
			t.Errorf("field %s: expected %v, got %v", fields[i].Name, typ, fields[i].Type)
		}
	}

	sb, _ := s.GetExtents()
	pb, _ := p.GetExtents()
	if sb != pb {
		t.Errorf("expected extent %v, got %v", sb, pb)
	}
}

func TestWriteFlatGeobuf_Filter(t *testing.T) {
	s, _ := openParcels(t, nil)
	s.SetFilter(func(f *geojson.Feature) bool {
		return f.Properties["ACTIVE"] == true
	})

	p := exportParcels(t, s, nil)
	n, _ := p.GetFeatureCount()
	if n != parcelGrid*parcelGrid/2 {
		t.Errorf("expected %d features, got %d", parcelGrid*parcelGrid/2, n)
	}
}

func TestWriteFlatGeobuf_CRS(t *testing.T) {
	path := writeParcels(t, t.TempDir())
	writePrj(t, path, wgs84WKT)

	s := New(path, nil)
	if err := s.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	p := exportParcels(t, s, nil)
	if p.SRID() != 4326 {
		t.Errorf("expected SRID 4326, got %d", p.SRID())
	}

	crs := providerCRS(s)
	if crs == nil || crs.Name != "GCS_WGS_1984" || crs.Code != 4326 {
		t.Errorf("unexpected crs %+v", crs)
	}

	// explicit CRS wins
	p = exportParcels(t, s, &FlatGeobufOptions{IncludeIndex: true, CRS: &CRS{Code: 3857}})
	if p.SRID() != 3857 {
		t.Errorf("expected SRID 3857, got %d", p.SRID())
	}
}

func TestProviderCRS_None(t *testing.T) {
	if crs := providerCRS(NewMemoryProvider("m", nil, nil)); crs != nil {
		t.Errorf("expected nil crs, got %+v", crs)
	}
}

func TestWriteFlatGeobuf_Closed(t *testing.T) {
	path := writeParcels(t, t.TempDir())
	s := New(path, nil)

	var buf bytes.Buffer
	if err := WriteFlatGeobuf(&buf, s, nil); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
}

func TestWriteFlatGeobuf_WGS84(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(parcelSquare(0)))

	var buf bytes.Buffer
	err := WriteFlatGeobuf(&buf, NewMemoryProvider("m", fc, nil), &FlatGeobufOptions{
		Name:         "one",
		Description:  "a single square",
		IncludeIndex: true,
		CRS:          WGS84(),
	})
	if err != nil {
		t.Fatalf("WriteFlatGeobuf failed: %v", err)
	}

	p, err := ReadFlatGeobufData("one", buf.Bytes())
	if err != nil {
		t.Fatalf("ReadFlatGeobufData failed: %v", err)
	}
	if p.SRID() != 4326 {
		t.Errorf("expected SRID 4326, got %d", p.SRID())
	}
}
