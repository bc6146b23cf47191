package featureclass

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DBF limits: field names are at most 10 characters and character fields at
// most 254 bytes.
const (
	dbfMaxNameLength = 10
	dbfMaxTextLength = 254
)

// esriWGS84 is the .prj content ArcGIS writes for EPSG:4326.
const esriWGS84 = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

// Shapefile is a point shapefile named loc.Name inside the directory
// loc.Container.
type Shapefile struct {
	loc Location
}

// OpenShapefile returns a handle on the shapefile at loc. Nothing is read
// until a method is called.
func OpenShapefile(loc Location) *Shapefile {
	return &Shapefile{loc: loc}
}

func (s *Shapefile) path(ext string) string {
	return filepath.Join(s.loc.Container, s.loc.Name+ext)
}

// stagingBase is the base path an insert cursor writes to before its files
// are renamed over the shapefile.
func (s *Shapefile) stagingBase() string {
	return filepath.Join(s.loc.Container, "."+s.loc.Name+".partial")
}

// shapefileParts are the files a cursor rewrites. The .prj is left alone.
var shapefileParts = []string{".shp", ".shx", ".dbf"}

// fixDBFName moves the attribute table go-shp writes to base+"dbf" onto
// base+".dbf".
func fixDBFName(base string) error {
	if err := os.Rename(base+"dbf", base+".dbf"); err != nil {
		return eris.Wrapf(err, "shapefile: rename %sdbf", base)
	}
	return nil
}

func removeParts(base string) {
	for _, ext := range append([]string{"dbf"}, shapefileParts...) {
		_ = os.Remove(base + ext)
	}
}

// Location reports where the shapefile lives.
func (s *Shapefile) Location() Location { return s.loc }

// Close is a no-op; files are opened per operation.
func (s *Shapefile) Close() error { return nil }

// Exists reports whether the .shp file is present.
func (s *Shapefile) Exists(_ context.Context) (bool, error) {
	_, err := os.Stat(s.path(".shp"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, eris.Wrapf(err, "shapefile: stat %s", s.path(".shp"))
}

// Create writes an empty point shapefile with the schema's fields and a
// WGS84 .prj. Field names and lengths are clipped to DBF limits.
func (s *Shapefile) Create(_ context.Context, schema Schema) error {
	if err := schema.validate(); err != nil {
		return err
	}
	if schema.SRID != SRIDWGS84 {
		return eris.Wrapf(ErrUnsupportedSchema, "shapefile: srid %d", schema.SRID)
	}
	if err := os.MkdirAll(s.loc.Container, 0o755); err != nil {
		return eris.Wrap(err, "shapefile: create directory")
	}

	base := s.path("")
	w, err := shp.Create(base+".shp", shp.POINT)
	if err != nil {
		return eris.Wrapf(err, "shapefile: create %s", s.path(".shp"))
	}
	if err := w.SetFields(dbfFields(schema.Fields)); err != nil {
		w.Close()
		removeParts(base)
		return eris.Wrap(err, "shapefile: set fields")
	}
	w.Close()
	if err := fixDBFName(base); err != nil {
		removeParts(base)
		return err
	}

	if err := os.WriteFile(s.path(".prj"), []byte(esriWGS84), 0o644); err != nil {
		return eris.Wrap(err, "shapefile: write prj")
	}
	return nil
}

// dbfFields maps schema fields onto DBF character fields.
func dbfFields(fields []Field) []shp.Field {
	out := make([]shp.Field, len(fields))
	for i, f := range fields {
		name := f.Name
		if len(name) > dbfMaxNameLength {
			name = name[:dbfMaxNameLength]
		}
		length := f.Length
		if length <= 0 || length > dbfMaxTextLength {
			length = dbfMaxTextLength
		}
		out[i] = shp.StringField(name, uint8(length))
	}
	return out
}

// contents is everything stored in a shapefile.
type contents struct {
	dbf      []shp.Field
	fields   []Field
	features []Feature
}

func (s *Shapefile) read() (*contents, error) {
	reader, err := shp.Open(s.path(".shp"))
	if err != nil {
		if _, statErr := os.Stat(s.path(".shp")); os.IsNotExist(statErr) {
			return nil, eris.Wrapf(ErrNotExist, "shapefile %s", s.path(".shp"))
		}
		return nil, eris.Wrapf(err, "shapefile: open %s", s.path(".shp"))
	}
	defer func() { _ = reader.Close() }()

	c := &contents{dbf: reader.Fields()}
	for _, f := range c.dbf {
		c.fields = append(c.fields, Field{
			Name:   strings.TrimRight(f.String(), "\x00"),
			Type:   FieldText,
			Length: int(f.Size),
		})
	}

	rows, err := readDBFRecords(s.path(".dbf"), c.dbf)
	if err != nil {
		return nil, err
	}

	for reader.Next() {
		n, shape := reader.Shape()
		pt, ok := shape.(*shp.Point)
		if !ok {
			return nil, eris.Errorf("shapefile: expected point shape, got %T", shape)
		}
		if int(n) >= len(rows) {
			return nil, eris.Errorf("shapefile: %s has no attributes for shape %d", s.path(".dbf"), n)
		}
		c.features = append(c.features, Feature{Values: rows[n], X: pt.X, Y: pt.Y})
	}
	if err := reader.Err(); err != nil {
		return nil, eris.Wrapf(err, "shapefile: read %s", s.path(".shp"))
	}
	return c, nil
}

// readDBFRecords returns every record of a DBF file as strings. Values keep
// leading spaces; only the trailing space or NUL padding is removed.
func readDBFRecords(path string, fields []shp.Field) ([][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "shapefile: read %s", path)
	}
	if len(data) < 12 {
		return nil, eris.Errorf("shapefile: %s: short header", path)
	}

	count := int(binary.LittleEndian.Uint32(data[4:8]))
	headerLen := int(binary.LittleEndian.Uint16(data[8:10]))
	recordLen := int(binary.LittleEndian.Uint16(data[10:12]))

	width := 1
	for _, f := range fields {
		width += int(f.Size)
	}
	if width > recordLen {
		return nil, eris.Errorf("shapefile: %s: record length %d shorter than fields (%d)", path, recordLen, width)
	}

	rows := make([][]string, 0, count)
	for r := range count {
		start := headerLen + r*recordLen
		if start+recordLen > len(data) {
			return nil, eris.Errorf("shapefile: %s: truncated at record %d", path, r)
		}
		// Skip the deletion flag.
		off := start + 1
		vals := make([]string, len(fields))
		for i, f := range fields {
			vals[i] = strings.TrimRight(string(data[off:off+int(f.Size)]), " \x00")
			off += int(f.Size)
		}
		rows = append(rows, vals)
	}
	return rows, nil
}

// Fields returns the DBF fields.
func (s *Shapefile) Fields(_ context.Context) ([]Field, error) {
	c, err := s.read()
	if err != nil {
		return nil, err
	}
	return c.fields, nil
}

// Count returns the number of shapes.
func (s *Shapefile) Count(_ context.Context) (int64, error) {
	c, err := s.read()
	if err != nil {
		return 0, err
	}
	return int64(len(c.features)), nil
}

// Features returns every shape with its attributes, in file order.
func (s *Shapefile) Features(_ context.Context) ([]Feature, error) {
	c, err := s.read()
	if err != nil {
		return nil, err
	}
	return c.features, nil
}

// InsertCursor starts a new copy of the shapefile next to it, holding the
// stored features, and accepts new ones after them. Close renames the copy
// over the shapefile; until then the original files are untouched.
func (s *Shapefile) InsertCursor(_ context.Context) (InsertCursor, error) {
	c, err := s.read()
	if err != nil {
		return nil, err
	}

	staging := s.stagingBase()
	w, err := shp.Create(staging+".shp", shp.POINT)
	if err != nil {
		return nil, eris.Wrapf(err, "shapefile: create %s.shp", staging)
	}
	if err := w.SetFields(c.dbf); err != nil {
		w.Close()
		removeParts(staging)
		return nil, eris.Wrap(err, "shapefile: set fields")
	}

	cur := &shpCursor{w: w, fields: c.fields, name: s.loc.Name, staging: staging, target: s.path("")}
	for _, f := range c.features {
		if err := cur.write(f); err != nil {
			w.Close()
			removeParts(staging)
			return nil, eris.Wrap(err, "shapefile: copy existing features")
		}
	}
	cur.n = 0

	zap.L().Debug("shapefile: insert cursor opened",
		zap.String("path", s.path(".shp")),
		zap.Int("existing", len(c.features)),
	)
	return cur, nil
}

type shpCursor struct {
	w       *shp.Writer
	fields  []Field
	name    string
	staging string
	target  string
	n       int
}

func (c *shpCursor) Insert(_ context.Context, f Feature) error {
	if err := checkFeature(c.fields, f, true); err != nil {
		return err
	}
	return c.write(f)
}

func (c *shpCursor) write(f Feature) error {
	row := int(c.w.Write(&shp.Point{X: f.X, Y: f.Y}))
	for i, v := range f.Values {
		// Pad to the full width so every record is written end to end.
		padded := v + strings.Repeat(" ", c.fields[i].Length-len(v))
		if err := c.w.WriteAttribute(row, i, padded); err != nil {
			return eris.Wrapf(err, "shapefile: write %s.%s", c.name, c.fields[i].Name)
		}
	}
	c.n++
	return nil
}

// Close writes the headers and moves the new files over the shapefile.
func (c *shpCursor) Close() error {
	c.w.Close()
	if err := fixDBFName(c.staging); err != nil {
		removeParts(c.staging)
		return err
	}
	for _, ext := range shapefileParts {
		if err := os.Rename(c.staging+ext, c.target+ext); err != nil {
			removeParts(c.staging)
			return eris.Wrapf(err, "shapefile: replace %s%s", c.target, ext)
		}
	}
	zap.L().Debug("shapefile: insert cursor closed", zap.String("shapefile", c.name), zap.Int("inserted", c.n))
	return nil
}
