package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/beerme/internal/brewery"
	"github.com/sells-group/beerme/internal/featureclass"
	"github.com/sells-group/beerme/internal/fetcher"
)

const acmeFeed = `<breweries><marker id="1" company="Acme" address="1 Main St" city="Denver" state="CO" zip="80202" country="United States" phone="303-555-0100" member_type="Brewery" type="Brewpub" url="http://acme.example.com" lng="-104.99" lat="39.74"/></breweries>`

// marker renders a complete marker element for brewery n.
func marker(n int, lng, lat string) string {
	return fmt.Sprintf(`<marker id="%d" company="Brewery %d" address="%d Main St" city="Denver" state="CO" zip="80202" country="United States" phone="303-555-%04d" member_type="Brewery" type="Micro" url="http://b%d.example.com" lng="%s" lat="%s"/>`,
		n, n, n, n, n, lng, lat)
}

func feed(markers ...string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>` + "\n<breweries>\n" + strings.Join(markers, "\n") + "\n</breweries>"
}

func writeFeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FeedFileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func gpkgLocation(t *testing.T) featureclass.Location {
	t.Helper()
	return featureclass.Location{
		Driver:    featureclass.DriverGeoPackage,
		Container: filepath.Join(t.TempDir(), "ArcGIS", "Default.gpkg"),
		Name:      "craft_beer_20151009",
	}
}

func openGeoPackage(t *testing.T, loc featureclass.Location) *featureclass.GeoPackage {
	t.Helper()
	g, err := featureclass.OpenGeoPackage(context.Background(), loc)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestSchema(t *testing.T) {
	s := Schema()
	assert.Equal(t, featureclass.GeometryPoint, s.GeometryType)
	assert.Equal(t, featureclass.SRIDWGS84, s.SRID)
	assert.Equal(t, brewery.FieldNames, s.FieldNames())
	for _, f := range s.Fields {
		assert.Equal(t, featureclass.FieldText, f.Type)
		if f.Name == brewery.FieldURL {
			assert.Equal(t, 500, f.Length)
		} else {
			assert.Equal(t, 100, f.Length, f.Name)
		}
	}
}

func TestLoadFile_Acme(t *testing.T) {
	ds := openGeoPackage(t, gpkgLocation(t))
	ctx := context.Background()

	res, err := LoadFile(ctx, writeFeed(t, acmeFeed), ds)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, res.Markers)
	assert.Equal(t, 1, res.Inserted)
	_, err = uuid.Parse(res.RunID)
	assert.NoError(t, err)

	feats, err := ds.Features(ctx)
	require.NoError(t, err)
	require.Len(t, feats, 1)
	assert.Equal(t, -104.99, feats[0].X)
	assert.Equal(t, 39.74, feats[0].Y)
	assert.Equal(t, "Acme", feats[0].Values[1])
	assert.Equal(t, []string{
		"1", "Acme", "1 Main St", "Denver", "CO", "80202", "United States",
		"303-555-0100", "Brewery", "Brewpub", "http://acme.example.com",
	}, feats[0].Values)
}

func TestLoadFile_OneRowPerMarker(t *testing.T) {
	ds := openGeoPackage(t, gpkgLocation(t))
	ctx := context.Background()

	coords := [][2]string{
		{"-104.99", "39.74"},
		{"-122.68", "45.52"},
		{"-87.6298", "41.8781"},
		{"-71.0589", "42.3601"},
		{"-0.1", "51.5"},
	}
	var markers []string
	for i, c := range coords {
		markers = append(markers, marker(i+1, c[0], c[1]))
	}

	res, err := LoadFile(ctx, writeFeed(t, feed(markers...)), ds)
	require.NoError(t, err)
	assert.Equal(t, len(coords), res.Inserted)

	n, err := ds.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(coords)), n)

	feats, err := ds.Features(ctx)
	require.NoError(t, err)
	require.Len(t, feats, len(coords))
	assert.Equal(t, -87.6298, feats[2].X)
	assert.Equal(t, 41.8781, feats[2].Y)
	assert.Equal(t, "Brewery 3", feats[2].Values[1])
}

func TestLoadFile_RerunAppendsDuplicates(t *testing.T) {
	ds := openGeoPackage(t, gpkgLocation(t))
	ctx := context.Background()
	path := writeFeed(t, feed(marker(1, "-104.99", "39.74"), marker(2, "-122.68", "45.52"), marker(3, "-87.6", "41.8")))

	first, err := LoadFile(ctx, path, ds)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := LoadFile(ctx, path, ds)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.NotEqual(t, first.RunID, second.RunID)

	n, err := ds.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	fields, err := ds.Fields(ctx)
	require.NoError(t, err)
	assert.Equal(t, Schema().Fields, fields)
}

func TestLoadFile_MissingAttributeAborts(t *testing.T) {
	ds := openGeoPackage(t, gpkgLocation(t))
	ctx := context.Background()

	broken := `<marker id="3" company="No Phone" address="" city="Denver" state="CO" zip="80202" country="United States" member_type="Brewery" type="Micro" url="" lng="-104.9" lat="39.7"/>`
	path := writeFeed(t, feed(marker(1, "-104.99", "39.74"), marker(2, "-122.68", "45.52"), broken, marker(4, "-87.6", "41.8")))

	res, err := LoadFile(ctx, path, ds)
	require.Error(t, err)
	assert.True(t, errors.Is(err, brewery.ErrMissingAttribute))
	assert.Contains(t, err.Error(), `"phone"`)
	assert.Equal(t, 4, res.Markers)
	assert.Equal(t, 2, res.Inserted)

	n, err := ds.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestLoadFile_InvalidCoordinateAborts(t *testing.T) {
	ds := openGeoPackage(t, gpkgLocation(t))
	ctx := context.Background()

	path := writeFeed(t, feed(marker(1, "-104.99", "39.74"), marker(2, "west", "45.52")))

	res, err := LoadFile(ctx, path, ds)
	require.Error(t, err)
	assert.True(t, errors.Is(err, brewery.ErrInvalidCoordinate))
	assert.Equal(t, 1, res.Inserted)
}

func TestLoadFile_MalformedFeedWritesNothing(t *testing.T) {
	loc := gpkgLocation(t)
	ds := openGeoPackage(t, loc)
	ctx := context.Background()

	path := writeFeed(t, `<breweries>`+marker(1, "-104.99", "39.74")+`<marker id="2"`)

	_, err := LoadFile(ctx, path, ds)
	require.Error(t, err)

	exists, err := ds.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLoadFile_MissingFile(t *testing.T) {
	ds := openGeoPackage(t, gpkgLocation(t))

	_, err := LoadFile(context.Background(), filepath.Join(t.TempDir(), "nope.xml"), ds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brewery: open feed")
}

func TestLoadFile_EmptyFeedCreatesSchema(t *testing.T) {
	ds := openGeoPackage(t, gpkgLocation(t))
	ctx := context.Background()

	res, err := LoadFile(ctx, writeFeed(t, `<breweries/>`), ds)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Zero(t, res.Inserted)

	n, err := ds.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadFile_Shapefile(t *testing.T) {
	ds := featureclass.OpenShapefile(featureclass.Location{
		Driver:    featureclass.DriverShapefile,
		Container: t.TempDir(),
		Name:      "craft_beer_20151009",
	})
	ctx := context.Background()
	path := writeFeed(t, feed(marker(1, "-104.99", "39.74"), marker(2, "-122.68", "45.52")))

	_, err := LoadFile(ctx, path, ds)
	require.NoError(t, err)
	_, err = LoadFile(ctx, path, ds)
	require.NoError(t, err)

	feats, err := ds.Features(ctx)
	require.NoError(t, err)
	require.Len(t, feats, 4)
	assert.Equal(t, -122.68, feats[3].X)
	assert.Equal(t, 45.52, feats[3].Y)
}

// recordingDataset is an in-memory Dataset that fails the nth insert.
type recordingDataset struct {
	exists  bool
	created int
	rows    []featureclass.Feature
	failAt  int
	closed  int
	fields  []featureclass.Field
}

func (d *recordingDataset) Location() featureclass.Location {
	return featureclass.Location{Driver: "memory", Name: "test"}
}
func (d *recordingDataset) Exists(context.Context) (bool, error) { return d.exists, nil }
func (d *recordingDataset) Create(_ context.Context, s featureclass.Schema) error {
	d.exists = true
	d.created++
	d.fields = s.Fields
	return nil
}
func (d *recordingDataset) Fields(context.Context) ([]featureclass.Field, error) {
	return d.fields, nil
}
func (d *recordingDataset) Count(context.Context) (int64, error) { return int64(len(d.rows)), nil }
func (d *recordingDataset) Features(context.Context) ([]featureclass.Feature, error) {
	return d.rows, nil
}
func (d *recordingDataset) InsertCursor(context.Context) (featureclass.InsertCursor, error) {
	return &recordingCursor{d: d}, nil
}
func (d *recordingDataset) Close() error { return nil }

type recordingCursor struct{ d *recordingDataset }

func (c *recordingCursor) Insert(_ context.Context, f featureclass.Feature) error {
	if c.d.failAt > 0 && len(c.d.rows)+1 == c.d.failAt {
		return errors.New("disk full")
	}
	c.d.rows = append(c.d.rows, f)
	return nil
}

func (c *recordingCursor) Close() error {
	c.d.closed++
	return nil
}

func TestLoadFile_InsertFailureClosesCursor(t *testing.T) {
	ds := &recordingDataset{failAt: 2}
	path := writeFeed(t, feed(marker(1, "-104.99", "39.74"), marker(2, "-122.68", "45.52"), marker(3, "-87.6", "41.8")))

	res, err := LoadFile(context.Background(), path, ds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "loader: insert marker 1 (id 2)")
	assert.Equal(t, 1, res.Inserted)
	assert.Len(t, ds.rows, 1)
	assert.Equal(t, 1, ds.closed)
}

func TestLoadFile_ExistingDatasetNotRecreated(t *testing.T) {
	ds := &recordingDataset{exists: true}
	path := writeFeed(t, feed(marker(1, "-104.99", "39.74")))

	res, err := LoadFile(context.Background(), path, ds)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Zero(t, ds.created)
	assert.Equal(t, 1, ds.closed)
}

func TestLoadFile_Cancelled(t *testing.T) {
	ds := &recordingDataset{}
	path := writeFeed(t, feed(marker(1, "-104.99", "39.74")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := LoadFile(ctx, path, ds)
	require.Error(t, err)
	assert.Empty(t, ds.rows)
}

// cancellingGeoPackage cancels the run after `after` rows were inserted.
type cancellingGeoPackage struct {
	*featureclass.GeoPackage
	cancel context.CancelFunc
	after  int
}

func (g *cancellingGeoPackage) InsertCursor(ctx context.Context) (featureclass.InsertCursor, error) {
	cur, err := g.GeoPackage.InsertCursor(ctx)
	if err != nil {
		return nil, err
	}
	return &cancellingCursor{InsertCursor: cur, g: g}, nil
}

type cancellingCursor struct {
	featureclass.InsertCursor
	g        *cancellingGeoPackage
	inserted int
}

func (c *cancellingCursor) Insert(ctx context.Context, f featureclass.Feature) error {
	if err := c.InsertCursor.Insert(ctx, f); err != nil {
		return err
	}
	c.inserted++
	if c.inserted == c.g.after {
		c.g.cancel()
	}
	return nil
}

func TestLoadFile_CancelledMidRunKeepsInsertedRows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ds := &cancellingGeoPackage{GeoPackage: openGeoPackage(t, gpkgLocation(t)), cancel: cancel, after: 2}
	path := writeFeed(t, feed(marker(1, "-104.99", "39.74"), marker(2, "-122.68", "45.52"), marker(3, "-87.6", "41.8")))

	res, err := LoadFile(ctx, path, ds)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, res.Inserted)

	n, err := ds.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestLoadFile_NestedMarkersIgnored(t *testing.T) {
	ds := openGeoPackage(t, gpkgLocation(t))
	body := `<breweries>` + marker(1, "-104.99", "39.74") + `<region>` + marker(2, "-122.68", "45.52") + `</region></breweries>`

	res, err := LoadFile(context.Background(), writeFeed(t, body), ds)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Markers)
	assert.Equal(t, 1, res.Inserted)

	n, err := ds.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRun_HTTP(t *testing.T) {
	body := feed(marker(1, "-104.99", "39.74"), marker(2, "-122.68", "45.52"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wp-content/uploads/ba-us.xml", r.URL.Path)
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	loc := gpkgLocation(t)
	tempDir := t.TempDir()

	res, err := Run(context.Background(), Options{
		URL:      srv.URL + "/wp-content/uploads/ba-us.xml",
		TempDir:  tempDir,
		Fetch:    fetcher.Options{UserAgent: "beerme-test", MaxRetries: 1},
		Location: loc,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.True(t, res.Created)

	saved, err := os.ReadFile(filepath.Join(tempDir, FeedFileName))
	require.NoError(t, err)
	assert.Equal(t, body, string(saved))

	ds := openGeoPackage(t, loc)
	n, err := ds.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRun_FileURL(t *testing.T) {
	src := writeFeed(t, acmeFeed)
	loc := gpkgLocation(t)

	res, err := Run(context.Background(), Options{
		URL:      "file://" + src,
		TempDir:  t.TempDir(),
		Location: loc,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
}

func TestRun_DownloadFailureLeavesDestinationAlone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	loc := gpkgLocation(t)

	_, err := Run(context.Background(), Options{
		URL:      srv.URL + "/ba-us.xml",
		TempDir:  t.TempDir(),
		Fetch:    fetcher.Options{MaxRetries: 1},
		Location: loc,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loader: download")

	_, statErr := os.Stat(loc.Container)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_UnsupportedScheme(t *testing.T) {
	_, err := Run(context.Background(), Options{
		URL:      "gopher://example.com/feed.xml",
		TempDir:  t.TempDir(),
		Location: gpkgLocation(t),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

type staticFetcher struct{ body string }

func (s staticFetcher) Download(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.body)), nil
}

func (s staticFetcher) DownloadToFile(_ context.Context, _ string, path string) (int64, error) {
	if err := os.WriteFile(path, []byte(s.body), 0o644); err != nil {
		return 0, err
	}
	return int64(len(s.body)), nil
}

func TestRun_FetcherOverride(t *testing.T) {
	res, err := Run(context.Background(), Options{
		URL:      "http://www.craftbeer.com/wp-content/uploads/ba-us.xml",
		TempDir:  t.TempDir(),
		Location: gpkgLocation(t),
		Fetcher:  staticFetcher{body: acmeFeed},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
}
