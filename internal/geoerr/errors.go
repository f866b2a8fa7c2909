// Package geoerr holds the error values shared by the format readers and the
// feature store.
package geoerr

import (
	"errors"
	"fmt"
	"io/fs"
)

// Sentinel errors. Callers compare with errors.Is.
var (
	// ErrFileNotFound wraps fs.ErrNotExist so both comparisons succeed.
	ErrFileNotFound         = fmt.Errorf("shapefile: file not found: %w", fs.ErrNotExist)
	ErrUnsupportedFormat    = errors.New("shapefile: unsupported format")
	ErrUnsupportedFieldType = errors.New("shapefile: unsupported field type")
	ErrUnsupportedShapeType = errors.New("shapefile: unsupported shape type")
	ErrMalformedGeometry    = errors.New("shapefile: malformed geometry")
	ErrNotOpen              = errors.New("shapefile: not open")
	ErrStaleIndex           = errors.New("shapefile: stale spatial index")
	ErrRecordNotFound       = errors.New("shapefile: record not found")
	ErrNilGeometry          = errors.New("shapefile: nil geometry")
	ErrNoIndex              = errors.New("shapefile: file has no spatial index")
)

// GeometryError reports a geometry record that violates the part or ring
// invariants of the format.
type GeometryError struct {
	ID     uint32
	Reason string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("shapefile: malformed geometry in record %d: %s", e.ID, e.Reason)
}

func (e *GeometryError) Unwrap() error { return ErrMalformedGeometry }

// FieldTypeError reports a DBase field descriptor with an unknown type char.
type FieldTypeError struct {
	Field string
	Type  byte
}

func (e *FieldTypeError) Error() string {
	return fmt.Sprintf("shapefile: unsupported field type %q for field %q", e.Type, e.Field)
}

func (e *FieldTypeError) Unwrap() error { return ErrUnsupportedFieldType }

// StaleIndexError describes why a persisted index was rejected.
type StaleIndexError struct {
	Path   string
	Reason string
}

func (e *StaleIndexError) Error() string {
	return fmt.Sprintf("shapefile: stale spatial index %s: %s", e.Path, e.Reason)
}

func (e *StaleIndexError) Unwrap() error { return ErrStaleIndex }

// NotFound converts an os error for path into ErrFileNotFound when the file
// does not exist, and returns other errors wrapped with the path.
func NotFound(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	return fmt.Errorf("shapefile: open %s: %w", path, err)
}
