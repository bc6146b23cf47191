package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/beerme/internal/featureclass"
	"github.com/sells-group/beerme/internal/loader"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage the destination dataset schema",
}

var schemaInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the destination dataset if it does not exist",
	Long: `Creates the point dataset with the brewery text fields (length 100, url 500)
in WGS84. An existing dataset is left unchanged.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		c, err := effectiveConfig(cmd)
		if err != nil {
			return err
		}
		loc, err := outputLocation(c.Output, time.Now())
		if err != nil {
			return eris.Wrap(err, "schema init: resolve destination")
		}

		ds, err := featureclass.Open(ctx, loc)
		if err != nil {
			return eris.Wrap(err, "schema init: open")
		}
		defer ds.Close() //nolint:errcheck

		created, err := loader.InitSchema(ctx, ds)
		if err != nil {
			return eris.Wrap(err, "schema init")
		}

		if created {
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", loc)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already exists, schema unchanged\n", loc)
		}
		return nil
	},
}

func init() {
	addOutputFlags(schemaInitCmd)
	schemaCmd.AddCommand(schemaInitCmd)
	rootCmd.AddCommand(schemaCmd)
}
