package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/beerme/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "beerme",
	Short: "Load the Brewers Association brewery feed into a point dataset",
	Long: `Downloads the Brewers Association member feed (ba-us.xml) and writes every
brewery marker as a WGS84 point with its attributes into a GeoPackage layer,
shapefile or PostGIS table.

Run without a subcommand to load the feed into the default destination,
~/Documents/ArcGIS/Default.gpkg, as layer craft_beer_YYYYMMDD.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	Args: cobra.NoArgs,
	RunE: runLoad,
}

func init() {
	addLoadFlags(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
