package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/beerme/internal/featureclass"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the fields and row count of a destination dataset",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		format, _ := cmd.Flags().GetString("format")
		if format != "text" && format != "yaml" {
			return eris.Errorf("inspect: unknown format %q", format)
		}

		c, err := effectiveConfig(cmd)
		if err != nil {
			return err
		}
		loc, err := outputLocation(c.Output, time.Now())
		if err != nil {
			return eris.Wrap(err, "inspect: resolve destination")
		}

		ds, err := featureclass.Open(ctx, loc)
		if err != nil {
			return eris.Wrap(err, "inspect: open")
		}
		defer ds.Close() //nolint:errcheck

		report, err := inspectDataset(ctx, ds)
		if err != nil {
			return err
		}
		return writeReport(cmd.OutOrStdout(), report, format)
	},
}

func init() {
	addOutputFlags(inspectCmd)
	inspectCmd.Flags().String("format", "text", "output format: text or yaml")
	rootCmd.AddCommand(inspectCmd)
}

// datasetReport is the inspect output.
type datasetReport struct {
	Dataset string               `yaml:"dataset"`
	Driver  string               `yaml:"driver"`
	Name    string               `yaml:"name"`
	Fields  []featureclass.Field `yaml:"fields"`
	Count   int64                `yaml:"count"`
}

func inspectDataset(ctx context.Context, ds featureclass.Dataset) (*datasetReport, error) {
	loc := ds.Location()

	exists, err := ds.Exists(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "inspect: check dataset")
	}
	if !exists {
		return nil, eris.Wrapf(featureclass.ErrNotExist, "inspect: %s", loc)
	}

	fields, err := ds.Fields(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "inspect: fields")
	}
	count, err := ds.Count(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "inspect: count")
	}

	return &datasetReport{
		Dataset: loc.String(),
		Driver:  string(loc.Driver),
		Name:    loc.Name,
		Fields:  fields,
		Count:   count,
	}, nil
}

func writeReport(w io.Writer, r *datasetReport, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return eris.Wrap(err, "inspect: encode yaml")
		}
		return eris.Wrap(enc.Close(), "inspect: flush yaml")
	}

	fmt.Fprintf(w, "Dataset: %s\n", r.Dataset)
	fmt.Fprintf(w, "Driver:  %s\n", r.Driver)
	fmt.Fprintf(w, "Rows:    %d\n\n", r.Count)
	fmt.Fprintf(w, "%-12s %-6s %6s\n", "Field", "Type", "Length")
	fmt.Fprintln(w, strings.Repeat("-", 26))
	for _, f := range r.Fields {
		fmt.Fprintf(w, "%-12s %-6s %6d\n", f.Name, f.Type, f.Length)
	}
	return nil
}
