package shapefile

// CRS represents a coordinate reference system recorded in a FlatGeobuf
// header.
type CRS struct {
	Code        int    // EPSG code (e.g., 4326 for WGS84)
	Name        string // CRS name
	Description string // CRS description
	WKT         string // Well-Known Text representation
}

// WGS84 returns the standard WGS84 CRS (EPSG:4326).
func WGS84() *CRS {
	return &CRS{
		Code: 4326,
		Name: "WGS 84",
	}
}

// FlatGeobufOptions configures FlatGeobuf export.
type FlatGeobufOptions struct {
	Name         string // Layer name
	Description  string // Layer description
	IncludeIndex bool   // Include spatial index (default: true)
	CRS          *CRS   // Coordinate reference system (optional; defaults to the provider SRID)
}

// DefaultFlatGeobufOptions returns default options for FlatGeobuf export.
func DefaultFlatGeobufOptions() *FlatGeobufOptions {
	return &FlatGeobufOptions{
		IncludeIndex: true,
	}
}
