package brewery

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/beerme/internal/fetcher"
)

// MarkerElement is the local name of a brewery element in the feed.
const MarkerElement = "marker"

// ParseFeed reads the whole feed into memory. A malformed document yields an
// error and no markers.
func ParseFeed(ctx context.Context, r io.Reader) ([]Marker, error) {
	markers, err := fetcher.DecodeRootChildren[Marker](ctx, r, MarkerElement)
	if err != nil {
		return nil, eris.Wrap(err, "brewery: parse feed")
	}
	return markers, nil
}

// ParseFeedFile opens path and parses it with ParseFeed.
func ParseFeedFile(ctx context.Context, path string) ([]Marker, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "brewery: open feed %s", path)
	}
	defer f.Close() //nolint:errcheck

	markers, err := ParseFeed(ctx, f)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("brewery: parsed feed",
		zap.String("path", path),
		zap.Int("markers", len(markers)),
	)
	return markers, nil
}
