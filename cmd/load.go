package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/beerme/internal/fetcher"
	"github.com/sells-group/beerme/internal/loader"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Download the feed and insert every brewery",
	Long: `Downloads the brewery feed, creates the destination dataset if it does not
exist and inserts one point per marker. Rerunning against the same
destination appends the rows again.`,
	Args: cobra.NoArgs,
	RunE: runLoad,
}

func init() {
	addLoadFlags(loadCmd)
	rootCmd.AddCommand(loadCmd)
}

func runLoad(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := effectiveConfig(cmd)
	if err != nil {
		return err
	}
	loc, err := outputLocation(c.Output, time.Now())
	if err != nil {
		return eris.Wrap(err, "load: resolve destination")
	}

	zap.L().Info("starting brewery load",
		zap.String("command", cmd.Name()),
		zap.String("url", c.Feed.URL),
		zap.String("dataset", loc.String()),
	)

	res, err := loader.Run(ctx, loader.Options{
		URL:     c.Feed.URL,
		TempDir: c.Feed.TempDir,
		Fetch: fetcher.Options{
			UserAgent:  c.Feed.UserAgent,
			Timeout:    time.Duration(c.Feed.TimeoutSecs) * time.Second,
			MaxRetries: c.Feed.MaxRetries,
		},
		Location: loc,
	})
	if err != nil {
		return eris.Wrapf(err, "load: run %s", res.RunID)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d breweries into %s (run %s, %s)\n",
		res.Inserted, loc, res.RunID, res.Duration.Round(time.Millisecond))
	return nil
}
