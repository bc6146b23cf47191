// Package loader runs the brewery feed load: download the feed, make sure
// the destination dataset exists, and insert one point feature per marker.
package loader

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/beerme/internal/brewery"
	"github.com/sells-group/beerme/internal/featureclass"
	"github.com/sells-group/beerme/internal/fetcher"
)

// FeedFileName is the name of the downloaded feed inside the temp directory.
const FeedFileName = "craft_beer.xml"

// Result summarizes a load. On error it reports what was done before the
// failure.
type Result struct {
	RunID    string
	Markers  int
	Inserted int
	Created  bool
	Duration time.Duration
}

// Options configures Run.
type Options struct {
	URL      string
	TempDir  string // Download directory (default os.TempDir()/beerme)
	Fetch    fetcher.Options
	Location featureclass.Location

	// Fetcher overrides the scheme-based fetcher when set.
	Fetcher fetcher.Fetcher
}

// Schema returns the destination schema: one text field per brewery
// attribute and a WGS84 point.
func Schema() featureclass.Schema {
	fields := make([]featureclass.Field, len(brewery.FieldNames))
	for i, name := range brewery.FieldNames {
		fields[i] = featureclass.Field{
			Name:   name,
			Type:   featureclass.FieldText,
			Length: brewery.FieldLength(name),
		}
	}
	return featureclass.Schema{
		GeometryType: featureclass.GeometryPoint,
		SRID:         featureclass.SRIDWGS84,
		Fields:       fields,
	}
}

// InitSchema creates the destination dataset if it is missing and reports
// whether it did.
func InitSchema(ctx context.Context, ds featureclass.Dataset) (bool, error) {
	return featureclass.EnsureSchema(ctx, ds, Schema())
}

// Run downloads the feed and loads it into the dataset at opts.Location.
func Run(ctx context.Context, opts Options) (Result, error) {
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(os.TempDir(), "beerme")
	}

	res := Result{RunID: uuid.New().String()}
	log := zap.L().With(
		zap.String("component", "loader"),
		zap.String("run_id", res.RunID),
	)
	start := time.Now()

	f := opts.Fetcher
	if f == nil {
		var err error
		f, err = fetcher.ForURL(opts.URL, opts.Fetch)
		if err != nil {
			return res, err
		}
	}

	feedPath := filepath.Join(opts.TempDir, FeedFileName)
	n, err := f.DownloadToFile(ctx, opts.URL, feedPath)
	if err != nil {
		return res, eris.Wrapf(err, "loader: download %s", opts.URL)
	}
	log.Info("feed downloaded",
		zap.String("url", opts.URL),
		zap.String("path", feedPath),
		zap.Int64("bytes", n),
	)

	ds, err := featureclass.Open(ctx, opts.Location)
	if err != nil {
		return res, eris.Wrapf(err, "loader: open %s", opts.Location)
	}
	defer ds.Close() //nolint:errcheck

	res, err = load(ctx, log, res, feedPath, ds)
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}

	log.Info("load complete",
		zap.String("dataset", opts.Location.String()),
		zap.Int("inserted", res.Inserted),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// LoadFile loads an already downloaded feed into ds. The whole feed is
// parsed before the dataset is touched, so a malformed document writes
// nothing. The first marker that cannot be converted or inserted stops the
// load; rows inserted before it are kept.
func LoadFile(ctx context.Context, xmlPath string, ds featureclass.Dataset) (Result, error) {
	res := Result{RunID: uuid.New().String()}
	log := zap.L().With(
		zap.String("component", "loader"),
		zap.String("run_id", res.RunID),
	)
	start := time.Now()

	res, err := load(ctx, log, res, xmlPath, ds)
	res.Duration = time.Since(start)
	return res, err
}

func load(ctx context.Context, log *zap.Logger, res Result, xmlPath string, ds featureclass.Dataset) (_ Result, err error) {
	markers, err := brewery.ParseFeedFile(ctx, xmlPath)
	if err != nil {
		return res, err
	}
	res.Markers = len(markers)
	log.Info("feed parsed", zap.Int("markers", res.Markers))

	res.Created, err = InitSchema(ctx, ds)
	if err != nil {
		return res, err
	}

	cur, err := ds.InsertCursor(ctx)
	if err != nil {
		return res, eris.Wrap(err, "loader: open insert cursor")
	}
	defer func() {
		if cerr := cur.Close(); cerr != nil && err == nil {
			err = eris.Wrap(cerr, "loader: close insert cursor")
		}
	}()

	for i, m := range markers {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "loader: cancelled")
		}

		rec, err := brewery.FromMarker(m)
		if err != nil {
			log.Error("marker rejected", zap.Int("index", i), zap.Int("inserted", res.Inserted), zap.Error(err))
			return res, eris.Wrapf(err, "loader: marker %d", i)
		}

		if err := cur.Insert(ctx, featureclass.Feature{Values: rec.Values(), X: rec.Lng, Y: rec.Lat}); err != nil {
			log.Error("insert failed",
				zap.Int("index", i),
				zap.String("id", rec.ID),
				zap.Int("inserted", res.Inserted),
				zap.Error(err),
			)
			return res, eris.Wrapf(err, "loader: insert marker %d (id %s)", i, rec.ID)
		}
		res.Inserted++
	}

	return res, nil
}
