package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/beerme/internal/config"
	"github.com/sells-group/beerme/internal/featureclass"
)

// addOutputFlags registers the destination flags shared by every command.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("out", "", "destination: .gpkg file, shapefile directory or postgres:// DSN (default: from config)")
	cmd.Flags().String("name", "", "layer, shapefile or table name (default: <prefix>YYYYMMDD)")
	cmd.Flags().String("driver", "", "force a driver: gpkg, shapefile or postgis (default: inferred from --out)")
}

// addLoadFlags registers the flags of a full load.
func addLoadFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "feed URL: http(s)://, ftp:// or file:// (default: from config)")
	addOutputFlags(cmd)
}

// effectiveConfig returns a copy of the loaded config with flag overrides
// applied, validated.
func effectiveConfig(cmd *cobra.Command) (config.Config, error) {
	c := *cfg
	if f := cmd.Flags().Lookup("url"); f != nil && f.Value.String() != "" {
		c.Feed.URL = f.Value.String()
	}
	if out, _ := cmd.Flags().GetString("out"); out != "" {
		c.Output.Path = out
	}
	if name, _ := cmd.Flags().GetString("name"); name != "" {
		c.Output.Name = name
	}
	if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
		c.Output.Driver = driver
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// outputLocation resolves the destination dataset for a run on day now.
func outputLocation(out config.OutputConfig, now time.Time) (featureclass.Location, error) {
	return featureclass.ParseLocation(out.Path, out.LayerName(now), featureclass.Driver(out.Driver))
}
