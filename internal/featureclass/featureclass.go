// Package featureclass stores point features with text attributes in a
// file-based geospatial dataset: a GeoPackage layer, an ESRI shapefile or a
// PostGIS table.
package featureclass

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Sentinel errors.
var (
	ErrNotExist          = eris.New("featureclass: dataset does not exist")
	ErrValueTooLong      = eris.New("featureclass: value exceeds field length")
	ErrFieldCount        = eris.New("featureclass: value count does not match fields")
	ErrUnsupportedDriver = eris.New("featureclass: unsupported driver")
	ErrUnsupportedSchema = eris.New("featureclass: unsupported schema")
)

// Driver names a storage backend.
type Driver string

// Supported drivers.
const (
	DriverGeoPackage Driver = "gpkg"
	DriverShapefile  Driver = "shapefile"
	DriverPostGIS    Driver = "postgis"
)

// GeometryType is the geometry type of a dataset.
type GeometryType string

// GeometryPoint is the only geometry type written by this package.
const GeometryPoint GeometryType = "POINT"

// SRIDWGS84 is EPSG:4326, longitude/latitude on the WGS 84 datum.
const SRIDWGS84 = 4326

// FieldType is the attribute type of a field.
type FieldType string

// FieldText is a bounded text field.
const FieldText FieldType = "TEXT"

// Field is one attribute column. Length is the maximum number of characters;
// zero means unbounded.
type Field struct {
	Name   string    `yaml:"name"`
	Type   FieldType `yaml:"type"`
	Length int       `yaml:"length"`
}

// Schema describes a dataset to create.
type Schema struct {
	GeometryType GeometryType
	SRID         int
	Fields       []Field
}

// FieldNames returns the field names in schema order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

func (s Schema) validate() error {
	if s.GeometryType != GeometryPoint {
		return eris.Wrapf(ErrUnsupportedSchema, "geometry type %q", s.GeometryType)
	}
	if len(s.Fields) == 0 {
		return eris.Wrap(ErrUnsupportedSchema, "no fields")
	}
	for _, f := range s.Fields {
		if f.Type != FieldText {
			return eris.Wrapf(ErrUnsupportedSchema, "field %s has type %q", f.Name, f.Type)
		}
	}
	return nil
}

// Feature is one row: text values in field order plus a point.
type Feature struct {
	Values []string
	X      float64
	Y      float64
}

// Dataset is a destination collection of point features.
type Dataset interface {
	// Location reports where the dataset lives.
	Location() Location
	// Exists reports whether the dataset has been created.
	Exists(ctx context.Context) (bool, error)
	// Create creates the dataset. It fails if the dataset already exists.
	Create(ctx context.Context, schema Schema) error
	// Fields returns the attribute fields in storage order.
	Fields(ctx context.Context) ([]Field, error)
	// Count returns the number of stored features.
	Count(ctx context.Context) (int64, error)
	// Features returns every stored feature in insertion order.
	Features(ctx context.Context) ([]Feature, error)
	// InsertCursor opens a write handle that appends features.
	InsertCursor(ctx context.Context) (InsertCursor, error)
	// Close releases the dataset's resources.
	Close() error
}

// InsertCursor appends features to a dataset. It must be closed on every
// exit path; features inserted before a failed Insert are kept on Close.
type InsertCursor interface {
	Insert(ctx context.Context, f Feature) error
	Close() error
}

// EnsureSchema creates the dataset from schema if it does not exist and
// reports whether it did. An existing dataset is left untouched.
func EnsureSchema(ctx context.Context, ds Dataset, schema Schema) (bool, error) {
	log := zap.L().With(
		zap.String("component", "featureclass.schema"),
		zap.String("dataset", ds.Location().String()),
	)

	exists, err := ds.Exists(ctx)
	if err != nil {
		return false, eris.Wrap(err, "featureclass: check dataset")
	}
	if exists {
		log.Debug("dataset exists, leaving schema unchanged")
		return false, nil
	}

	if err := schema.validate(); err != nil {
		return false, err
	}
	if err := ds.Create(ctx, schema); err != nil {
		return false, eris.Wrap(err, "featureclass: create dataset")
	}

	log.Info("created dataset",
		zap.Int("srid", schema.SRID),
		zap.Strings("fields", schema.FieldNames()),
	)
	return true, nil
}

// Location identifies a dataset: a container (GeoPackage file, shapefile
// directory or Postgres DSN) and the dataset name inside it.
type Location struct {
	Driver    Driver
	Container string
	Name      string
}

// String renders the location for logs, hiding Postgres credentials.
func (l Location) String() string {
	container := l.Container
	if l.Driver == DriverPostGIS {
		container = redactDSN(container)
	}
	return fmt.Sprintf("%s:%s/%s", l.Driver, container, l.Name)
}

// ParseLocation resolves a container path and dataset name into a Location.
// With an empty driver it is inferred from the container: a postgres:// DSN
// is PostGIS, a .gpkg file is a GeoPackage, and a .shp file or a directory is
// a shapefile. A .shp path names the dataset itself and overrides name.
func ParseLocation(container, name string, driver Driver) (Location, error) {
	if container == "" {
		return Location{}, eris.New("featureclass: empty container")
	}

	ext := strings.ToLower(filepath.Ext(container))
	if driver == "" {
		switch {
		case strings.HasPrefix(container, "postgres://"), strings.HasPrefix(container, "postgresql://"):
			driver = DriverPostGIS
		case ext == ".gpkg":
			driver = DriverGeoPackage
		case ext == ".shp", ext == "":
			driver = DriverShapefile
		default:
			return Location{}, eris.Wrapf(ErrUnsupportedDriver, "cannot infer driver from %q", container)
		}
	}

	switch driver {
	case DriverGeoPackage, DriverPostGIS:
	case DriverShapefile:
		if ext == ".shp" {
			name = strings.TrimSuffix(filepath.Base(container), filepath.Ext(container))
			container = filepath.Dir(container)
		}
	default:
		return Location{}, eris.Wrapf(ErrUnsupportedDriver, "driver %q", driver)
	}

	if name == "" {
		return Location{}, eris.New("featureclass: empty dataset name")
	}

	return Location{Driver: driver, Container: container, Name: name}, nil
}

// Open opens the dataset at loc without creating it.
func Open(ctx context.Context, loc Location) (Dataset, error) {
	switch loc.Driver {
	case DriverGeoPackage:
		return OpenGeoPackage(ctx, loc)
	case DriverShapefile:
		return OpenShapefile(loc), nil
	case DriverPostGIS:
		return OpenPostGIS(ctx, loc)
	default:
		return nil, eris.Wrapf(ErrUnsupportedDriver, "driver %q", loc.Driver)
	}
}

// checkFeature verifies a feature against the stored fields. Lengths count
// characters, or bytes when byteLengths is set.
func checkFeature(fields []Field, f Feature, byteLengths bool) error {
	if len(f.Values) != len(fields) {
		return eris.Wrapf(ErrFieldCount, "got %d values for %d fields", len(f.Values), len(fields))
	}
	for i, fld := range fields {
		if fld.Length <= 0 {
			continue
		}
		n := utf8.RuneCountInString(f.Values[i])
		if byteLengths {
			n = len(f.Values[i])
		}
		if n > fld.Length {
			return eris.Wrapf(ErrValueTooLong, "field %s: length %d > %d", fld.Name, n, fld.Length)
		}
	}
	return nil
}
