package featureclass

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/beerme/internal/db"
)

const (
	postgisDefaultSchema = "public"
	postgisFIDColumn     = "fid"
	postgisGeomColumn    = "geom"
)

// PostGIS is a point table in a PostGIS-enabled Postgres database. loc.Name
// may be schema-qualified; unqualified names live in public.
type PostGIS struct {
	pool db.Pool
	loc  Location
}

// OpenPostGIS connects to the DSN in loc.Container.
func OpenPostGIS(ctx context.Context, loc Location) (*PostGIS, error) {
	pool, err := db.Connect(ctx, loc.Container)
	if err != nil {
		return nil, eris.Wrap(err, "postgis: connect")
	}
	return NewPostGIS(pool, loc), nil
}

// NewPostGIS wraps an existing pool. The dataset owns the pool and closes it
// on Close.
func NewPostGIS(pool db.Pool, loc Location) *PostGIS {
	return &PostGIS{pool: pool, loc: loc}
}

func (p *PostGIS) table() string {
	return db.SanitizeTable(p.loc.Name)
}

// Location reports where the table lives.
func (p *PostGIS) Location() Location { return p.loc }

// Close closes the pool.
func (p *PostGIS) Close() error {
	p.pool.Close()
	return nil
}

// Exists reports whether the table exists.
func (p *PostGIS) Exists(ctx context.Context) (bool, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, p.table()).Scan(&exists); err != nil {
		return false, eris.Wrapf(err, "postgis: check table %s", p.loc.Name)
	}
	return exists, nil
}

// Create creates the table and its spatial index in one transaction.
func (p *PostGIS) Create(ctx context.Context, schema Schema) error {
	if err := schema.validate(); err != nil {
		return err
	}

	cols := []string{pgx.Identifier{postgisFIDColumn}.Sanitize() + " bigserial PRIMARY KEY"}
	for _, f := range schema.Fields {
		typ := "text"
		if f.Length > 0 {
			typ = fmt.Sprintf("varchar(%d)", f.Length)
		}
		cols = append(cols, pgx.Identifier{f.Name}.Sanitize()+" "+typ)
	}
	cols = append(cols, fmt.Sprintf("%s geometry(Point, %d)", pgx.Identifier{postgisGeomColumn}.Sanitize(), schema.SRID))

	_, name := db.SplitTable(p.loc.Name, postgisDefaultSchema)
	idx := pgx.Identifier{"idx_" + name + "_geom"}.Sanitize()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgis: begin create")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", p.table(), strings.Join(cols, ", "))); err != nil {
		return eris.Wrapf(err, "postgis: create table %s", p.loc.Name)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE INDEX %s ON %s USING GIST (%s)",
		idx, p.table(), pgx.Identifier{postgisGeomColumn}.Sanitize())); err != nil {
		return eris.Wrapf(err, "postgis: create spatial index on %s", p.loc.Name)
	}

	return eris.Wrap(tx.Commit(ctx), "postgis: commit create")
}

// Fields returns the text columns in ordinal order.
func (p *PostGIS) Fields(ctx context.Context) ([]Field, error) {
	schema, name := db.SplitTable(p.loc.Name, postgisDefaultSchema)
	rows, err := p.pool.Query(ctx,
		`SELECT column_name, COALESCE(character_maximum_length, 0)::int
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 AND data_type IN ('character varying', 'text')
		ORDER BY ordinal_position`,
		schema, name,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgis: columns of %s", p.loc.Name)
	}
	defer rows.Close()

	var fields []Field
	for rows.Next() {
		var (
			col    string
			length int32
		)
		if err := rows.Scan(&col, &length); err != nil {
			return nil, eris.Wrap(err, "postgis: scan column")
		}
		fields = append(fields, Field{Name: col, Type: FieldText, Length: int(length)})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgis: iterate columns")
	}
	if len(fields) == 0 {
		return nil, eris.Wrapf(ErrNotExist, "table %s", p.loc.Name)
	}
	return fields, nil
}

// Count returns the number of rows.
func (p *PostGIS) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+p.table()).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "postgis: count %s", p.loc.Name)
	}
	return n, nil
}

// Features returns every row ordered by fid.
func (p *PostGIS) Features(ctx context.Context) ([]Feature, error) {
	fields, err := p.Fields(ctx)
	if err != nil {
		return nil, err
	}

	cols := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		q := pgx.Identifier{f.Name}.Sanitize()
		cols = append(cols, fmt.Sprintf("COALESCE(%s, '')", q))
	}
	cols = append(cols, fmt.Sprintf("ST_AsEWKB(%s)", pgx.Identifier{postgisGeomColumn}.Sanitize()))

	rows, err := p.pool.Query(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(cols, ", "), p.table(), pgx.Identifier{postgisFIDColumn}.Sanitize()))
	if err != nil {
		return nil, eris.Wrapf(err, "postgis: select %s", p.loc.Name)
	}
	defer rows.Close()

	var out []Feature
	for rows.Next() {
		f := Feature{Values: make([]string, len(fields))}
		var blob []byte
		dest := make([]any, 0, len(fields)+1)
		for i := range f.Values {
			dest = append(dest, &f.Values[i])
		}
		dest = append(dest, &blob)
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "postgis: scan feature")
		}

		pt, err := decodeEWKB(blob)
		if err != nil {
			return nil, err
		}
		f.X, f.Y = pt.X(), pt.Y()
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgis: iterate features")
}

// InsertCursor returns a cursor that inserts one row per call. Rows are
// committed as they are inserted.
func (p *PostGIS) InsertCursor(ctx context.Context) (InsertCursor, error) {
	fields, err := p.Fields(ctx)
	if err != nil {
		return nil, err
	}

	schema, name := db.SplitTable(p.loc.Name, postgisDefaultSchema)
	var srid int
	if err := p.pool.QueryRow(ctx, `SELECT Find_SRID($1, $2, $3)`, schema, name, postgisGeomColumn).Scan(&srid); err != nil {
		return nil, eris.Wrapf(err, "postgis: srid of %s", p.loc.Name)
	}

	names := make([]string, 0, len(fields)+1)
	marks := make([]string, 0, len(fields)+1)
	for i, f := range fields {
		names = append(names, f.Name)
		marks = append(marks, fmt.Sprintf("$%d", i+1))
	}
	names = append(names, postgisGeomColumn)
	marks = append(marks, fmt.Sprintf("ST_GeomFromEWKB($%d)", len(fields)+1))

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", p.table(), db.QuoteAndJoin(names), strings.Join(marks, ", "))
	return &pgCursor{pool: p.pool, stmt: stmt, fields: fields, name: p.loc.Name, srid: srid}, nil
}

type pgCursor struct {
	pool   db.Pool
	stmt   string
	fields []Field
	name   string
	srid   int
	n      int
}

func (c *pgCursor) Insert(ctx context.Context, f Feature) error {
	if err := checkFeature(c.fields, f, false); err != nil {
		return err
	}

	blob, err := encodeEWKB(newPoint(f.X, f.Y, c.srid))
	if err != nil {
		return err
	}

	args := make([]any, 0, len(f.Values)+1)
	for _, v := range f.Values {
		args = append(args, v)
	}
	args = append(args, blob)

	if _, err := c.pool.Exec(ctx, c.stmt, args...); err != nil {
		return eris.Wrapf(err, "postgis: insert into %s", c.name)
	}
	c.n++
	return nil
}

func (c *pgCursor) Close() error {
	zap.L().Debug("postgis: insert cursor closed", zap.String("table", c.name), zap.Int("inserted", c.n))
	return nil
}

// redactDSN masks the password in a Postgres URL.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "postgres://"
	}
	return u.Redacted()
}
