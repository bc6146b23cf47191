package featureclass

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	gpkgFIDColumn  = "fid"
	gpkgGeomColumn = "geom"
)

// gpkgApplicationID is "GPKG" as a big-endian int32; gpkgUserVersion is 1.3.0.
const (
	gpkgApplicationID = 0x47504B47
	gpkgUserVersion   = 10300
)

const wgs84WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`

const gpkgCoreSchema = `
CREATE TABLE IF NOT EXISTS gpkg_spatial_ref_sys (
	srs_name                 TEXT NOT NULL,
	srs_id                   INTEGER NOT NULL PRIMARY KEY,
	organization             TEXT NOT NULL,
	organization_coordsys_id INTEGER NOT NULL,
	definition               TEXT NOT NULL,
	description              TEXT
);

CREATE TABLE IF NOT EXISTS gpkg_contents (
	table_name  TEXT NOT NULL PRIMARY KEY,
	data_type   TEXT NOT NULL,
	identifier  TEXT UNIQUE,
	description TEXT DEFAULT '',
	last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	min_x       DOUBLE,
	min_y       DOUBLE,
	max_x       DOUBLE,
	max_y       DOUBLE,
	srs_id      INTEGER,
	CONSTRAINT fk_gc_r_srs_id FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
);

CREATE TABLE IF NOT EXISTS gpkg_geometry_columns (
	table_name         TEXT NOT NULL,
	column_name        TEXT NOT NULL,
	geometry_type_name TEXT NOT NULL,
	srs_id             INTEGER NOT NULL,
	z                  TINYINT NOT NULL,
	m                  TINYINT NOT NULL,
	CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name),
	CONSTRAINT fk_gc_tn FOREIGN KEY (table_name) REFERENCES gpkg_contents(table_name),
	CONSTRAINT fk_gc_srs FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
);
`

// GeoPackage is a point layer inside an OGC GeoPackage (SQLite) file.
type GeoPackage struct {
	db  *sql.DB
	loc Location
}

// OpenGeoPackage opens or creates the GeoPackage file loc.Container and
// makes sure its core metadata tables exist. The layer itself is not created.
func OpenGeoPackage(ctx context.Context, loc Location) (*GeoPackage, error) {
	if err := os.MkdirAll(filepath.Dir(loc.Container), 0o755); err != nil {
		return nil, eris.Wrap(err, "gpkg: create directory")
	}

	db, err := sql.Open("sqlite", loc.Container)
	if err != nil {
		return nil, eris.Wrap(err, "gpkg: open")
	}
	// One connection keeps pragmas and the insert transaction on the same handle.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA application_id=%d", gpkgApplicationID),
		fmt.Sprintf("PRAGMA user_version=%d", gpkgUserVersion),
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "gpkg: exec %s", pragma)
		}
	}

	g := &GeoPackage{db: db, loc: loc}
	if err := g.initCore(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return g, nil
}

func (g *GeoPackage) initCore(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, gpkgCoreSchema); err != nil {
		return eris.Wrap(err, "gpkg: create core tables")
	}

	srs := []struct {
		name, org  string
		id, orgID  int
		definition string
		desc       string
	}{
		{"Undefined cartesian SRS", "NONE", -1, -1, "undefined", "undefined cartesian coordinate reference system"},
		{"Undefined geographic SRS", "NONE", 0, 0, "undefined", "undefined geographic coordinate reference system"},
		{"WGS 84 geodetic", "EPSG", SRIDWGS84, SRIDWGS84, wgs84WKT, "longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid"},
	}
	for _, s := range srs {
		_, err := g.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO gpkg_spatial_ref_sys (srs_name, srs_id, organization, organization_coordsys_id, definition, description) VALUES (?, ?, ?, ?, ?, ?)`,
			s.name, s.id, s.org, s.orgID, s.definition, s.desc,
		)
		if err != nil {
			return eris.Wrapf(err, "gpkg: register srs %d", s.id)
		}
	}
	return nil
}

// Location reports where the layer lives.
func (g *GeoPackage) Location() Location { return g.loc }

// Close closes the underlying database.
func (g *GeoPackage) Close() error {
	return g.db.Close()
}

// Exists reports whether the layer is registered as a features table.
func (g *GeoPackage) Exists(ctx context.Context) (bool, error) {
	var n int
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gpkg_contents WHERE table_name = ? AND data_type = 'features'`,
		g.loc.Name,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "gpkg: check layer %s", g.loc.Name)
	}
	return n > 0, nil
}

// Create creates the features table and registers it in the GeoPackage
// metadata tables, all in one transaction.
func (g *GeoPackage) Create(ctx context.Context, schema Schema) error {
	if err := schema.validate(); err != nil {
		return err
	}

	cols := []string{
		quoteIdent(gpkgFIDColumn) + " INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL",
		quoteIdent(gpkgGeomColumn) + " " + string(schema.GeometryType),
	}
	for _, f := range schema.Fields {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(f.Name), sqliteTextType(f.Length)))
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "gpkg: begin create")
	}
	defer tx.Rollback() //nolint:errcheck

	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(g.loc.Name), strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return eris.Wrapf(err, "gpkg: create table %s", g.loc.Name)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, srs_id) VALUES (?, 'features', ?, ?)`,
		g.loc.Name, g.loc.Name, schema.SRID,
	); err != nil {
		return eris.Wrapf(err, "gpkg: register contents %s", g.loc.Name)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_geometry_columns (table_name, column_name, geometry_type_name, srs_id, z, m) VALUES (?, ?, ?, ?, 0, 0)`,
		g.loc.Name, gpkgGeomColumn, string(schema.GeometryType), schema.SRID,
	); err != nil {
		return eris.Wrapf(err, "gpkg: register geometry column %s", g.loc.Name)
	}

	return eris.Wrap(tx.Commit(), "gpkg: commit create")
}

var textTypeRE = regexp.MustCompile(`^TEXT(?:\((\d+)\))?$`)

// Fields returns the text columns of the layer in table order.
func (g *GeoPackage) Fields(ctx context.Context) ([]Field, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`, g.loc.Name)
	if err != nil {
		return nil, eris.Wrapf(err, "gpkg: table info %s", g.loc.Name)
	}
	defer rows.Close() //nolint:errcheck

	var fields []Field
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, eris.Wrap(err, "gpkg: scan table info")
		}
		if name == gpkgFIDColumn || name == gpkgGeomColumn {
			continue
		}
		m := textTypeRE.FindStringSubmatch(strings.ToUpper(typ))
		if m == nil {
			return nil, eris.Wrapf(ErrUnsupportedSchema, "column %s has type %s", name, typ)
		}
		f := Field{Name: name, Type: FieldText}
		if m[1] != "" {
			f.Length, _ = strconv.Atoi(m[1])
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "gpkg: iterate table info")
	}
	if len(fields) == 0 {
		return nil, eris.Wrapf(ErrNotExist, "layer %s", g.loc.Name)
	}
	return fields, nil
}

// Count returns the number of features in the layer.
func (g *GeoPackage) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := g.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(g.loc.Name)).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "gpkg: count %s", g.loc.Name)
	}
	return n, nil
}

// Features returns every feature ordered by fid.
func (g *GeoPackage) Features(ctx context.Context) ([]Feature, error) {
	fields, err := g.Fields(ctx)
	if err != nil {
		return nil, err
	}

	cols := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		cols = append(cols, quoteIdent(f.Name))
	}
	cols = append(cols, quoteIdent(gpkgGeomColumn))

	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(cols, ", "), quoteIdent(g.loc.Name), quoteIdent(gpkgFIDColumn))
	rows, err := g.db.QueryContext(ctx, q)
	if err != nil {
		return nil, eris.Wrapf(err, "gpkg: select %s", g.loc.Name)
	}
	defer rows.Close() //nolint:errcheck

	var out []Feature
	for rows.Next() {
		vals := make([]sql.NullString, len(fields))
		var blob []byte
		dest := make([]any, 0, len(fields)+1)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		dest = append(dest, &blob)
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "gpkg: scan feature")
		}

		p, err := decodeGPKG(blob)
		if err != nil {
			return nil, err
		}
		f := Feature{Values: make([]string, len(vals)), X: p.X(), Y: p.Y()}
		for i, v := range vals {
			f.Values[i] = v.String
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "gpkg: iterate features")
}

// InsertCursor opens a transaction with a prepared insert. The transaction
// commits on Close, so features inserted before a failure are kept. It is
// detached from ctx cancellation: cancelling ctx stops further inserts but
// does not roll back rows already written.
func (g *GeoPackage) InsertCursor(ctx context.Context) (InsertCursor, error) {
	fields, err := g.Fields(ctx)
	if err != nil {
		return nil, err
	}

	var srid int
	if err := g.db.QueryRowContext(ctx,
		`SELECT srs_id FROM gpkg_geometry_columns WHERE table_name = ? AND column_name = ?`,
		g.loc.Name, gpkgGeomColumn,
	).Scan(&srid); err != nil {
		return nil, eris.Wrapf(err, "gpkg: geometry column %s", g.loc.Name)
	}

	cols := make([]string, 0, len(fields)+1)
	marks := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		cols = append(cols, quoteIdent(f.Name))
		marks = append(marks, "?")
	}
	cols = append(cols, quoteIdent(gpkgGeomColumn))
	marks = append(marks, "?")

	txCtx := context.WithoutCancel(ctx)
	tx, err := g.db.BeginTx(txCtx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "gpkg: begin insert")
	}

	stmt, err := tx.PrepareContext(txCtx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(g.loc.Name), strings.Join(cols, ", "), strings.Join(marks, ", ")))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, eris.Wrapf(err, "gpkg: prepare insert %s", g.loc.Name)
	}

	return &gpkgCursor{tx: tx, stmt: stmt, fields: fields, name: g.loc.Name, srid: srid}, nil
}

type gpkgCursor struct {
	tx     *sql.Tx
	stmt   *sql.Stmt
	fields []Field
	name   string
	srid   int

	n                      int
	minX, minY, maxX, maxY float64
}

func (c *gpkgCursor) Insert(ctx context.Context, f Feature) error {
	if err := checkFeature(c.fields, f, false); err != nil {
		return err
	}

	blob, err := encodeGPKG(newPoint(f.X, f.Y, c.srid))
	if err != nil {
		return err
	}

	args := make([]any, 0, len(f.Values)+1)
	for _, v := range f.Values {
		args = append(args, v)
	}
	args = append(args, blob)

	if _, err := c.stmt.ExecContext(ctx, args...); err != nil {
		return eris.Wrapf(err, "gpkg: insert into %s", c.name)
	}

	if c.n == 0 {
		c.minX, c.maxX, c.minY, c.maxY = f.X, f.X, f.Y, f.Y
	} else {
		c.minX, c.maxX = min(c.minX, f.X), max(c.maxX, f.X)
		c.minY, c.maxY = min(c.minY, f.Y), max(c.maxY, f.Y)
	}
	c.n++
	return nil
}

// Close widens the layer extent in gpkg_contents and commits.
func (c *gpkgCursor) Close() error {
	defer c.tx.Rollback() //nolint:errcheck

	if err := c.stmt.Close(); err != nil {
		return eris.Wrap(err, "gpkg: close insert statement")
	}

	if c.n > 0 {
		_, err := c.tx.Exec(`UPDATE gpkg_contents SET
				min_x = min(coalesce(min_x, ?1), ?1),
				min_y = min(coalesce(min_y, ?2), ?2),
				max_x = max(coalesce(max_x, ?3), ?3),
				max_y = max(coalesce(max_y, ?4), ?4),
				last_change = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE table_name = ?5`,
			c.minX, c.minY, c.maxX, c.maxY, c.name,
		)
		if err != nil {
			return eris.Wrapf(err, "gpkg: update extent %s", c.name)
		}
	}

	if err := c.tx.Commit(); err != nil {
		return eris.Wrap(err, "gpkg: commit insert")
	}

	zap.L().Debug("gpkg: insert cursor closed", zap.String("layer", c.name), zap.Int("inserted", c.n))
	return nil
}

// Extent returns the layer bounds recorded in gpkg_contents. ok is false
// while the layer is empty.
func (g *GeoPackage) Extent(ctx context.Context) (minX, minY, maxX, maxY float64, ok bool, err error) {
	var x0, y0, x1, y1 sql.NullFloat64
	err = g.db.QueryRowContext(ctx,
		`SELECT min_x, min_y, max_x, max_y FROM gpkg_contents WHERE table_name = ?`, g.loc.Name,
	).Scan(&x0, &y0, &x1, &y1)
	if err != nil {
		return 0, 0, 0, 0, false, eris.Wrapf(err, "gpkg: extent %s", g.loc.Name)
	}
	if !x0.Valid {
		return 0, 0, 0, 0, false, nil
	}
	return x0.Float64, y0.Float64, x1.Float64, y1.Float64, true, nil
}

func sqliteTextType(length int) string {
	if length <= 0 {
		return "TEXT"
	}
	return fmt.Sprintf("TEXT(%d)", length)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
