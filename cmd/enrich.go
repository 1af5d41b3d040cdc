package main

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cartodb/observatory-cli/internal/dataio"
	"github.com/cartodb/observatory-cli/internal/enrichment"
	"github.com/cartodb/observatory-cli/internal/frame"
)

// enrichFlags are shared by the points and polygons subcommands.
type enrichFlags struct {
	input          string
	output         string
	variables      []string
	filters        []string
	aggregation    string
	dryRun         bool
	dialect        string
	geometryColumn string
	encoding       string
}

var (
	pointsFlags   enrichFlags
	polygonsFlags enrichFlags
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Append Data Observatory variables to a dataset",
}

var enrichPointsCmd = &cobra.Command{
	Use:   "points",
	Short: "Enrich points with the variables of the geography containing them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnrich(cmd, &pointsFlags, false)
	},
}

var enrichPolygonsCmd = &cobra.Command{
	Use:   "polygons",
	Short: "Enrich polygons with area-weighted or aggregated variables of intersecting geographies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnrich(cmd, &polygonsFlags, true)
	},
}

func init() {
	for _, c := range []struct {
		cmd   *cobra.Command
		flags *enrichFlags
	}{{enrichPointsCmd, &pointsFlags}, {enrichPolygonsCmd, &polygonsFlags}} {
		f := c.cmd.Flags()
		f.StringVarP(&c.flags.input, "input", "i", "", "input file or http(s) URL (csv, tsv, geojson, shp, zip, xlsx)")
		f.StringVarP(&c.flags.output, "output", "o", "", "output file (csv, geojson, xlsx); CSV to stdout when empty")
		f.StringSliceVar(&c.flags.variables, "variable", nil, "variable id or slug (repeatable)")
		f.StringArrayVar(&c.flags.filters, "filter", nil, "filter as variable:expression, e.g. 'popcy_4c5a:> 100' (repeatable)")
		f.BoolVar(&c.flags.dryRun, "dry-run", false, "print the generated SQL without uploading")
		f.StringVar(&c.flags.dialect, "dialect", "", "SQL dialect: postgres or bigquery (default from config)")
		f.StringVar(&c.flags.geometryColumn, "geometry-column", "", "input geometry column (default from config)")
		f.StringVar(&c.flags.encoding, "encoding", "", "CSV input charset, e.g. latin1")
		_ = c.cmd.MarkFlagRequired("variable")
	}
	enrichPolygonsCmd.Flags().StringVar(&polygonsFlags.aggregation, "aggregation", "default",
		"default, none, a method (sum, avg, ...) or per-variable var=method[,var=method]")

	enrichCmd.AddCommand(enrichPointsCmd, enrichPolygonsCmd)
	rootCmd.AddCommand(enrichCmd)
}

// parseAggregationFlag reads the --aggregation value.
func parseAggregationFlag(s string) (enrichment.Aggregation, error) {
	if !strings.Contains(s, "=") {
		return enrichment.ParseAggregation(strings.TrimSpace(s))
	}

	methods := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		id, method, ok := strings.Cut(pair, "=")
		id, method = strings.TrimSpace(id), strings.TrimSpace(method)
		if !ok || id == "" || method == "" {
			return enrichment.Aggregation{}, &enrichment.InvalidAggregationError{Value: s}
		}
		methods[id] = method
	}
	return enrichment.AggregatePerVariable(methods), nil
}

func (f *enrichFlags) geometry() string {
	if f.geometryColumn != "" {
		return f.geometryColumn
	}
	return cfg.Enrichment.GeometryColumn
}

func enrichOptions(f *enrichFlags, polygons bool) ([]enrichment.Option, error) {
	opts := []enrichment.Option{enrichment.WithGeometryColumn(f.geometry())}

	for _, raw := range f.filters {
		filter, err := enrichment.ParseFilter(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, enrichment.WithFilters(filter))
	}

	if polygons {
		agg, err := parseAggregationFlag(f.aggregation)
		if err != nil {
			return nil, err
		}
		opts = append(opts, enrichment.WithAggregation(agg))
	}
	return opts, nil
}

func runEnrich(cmd *cobra.Command, f *enrichFlags, polygons bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	refs, err := enrichment.NormalizeVariables(f.variables)
	if err != nil {
		return err
	}
	opts, err := enrichOptions(f, polygons)
	if err != nil {
		return err
	}

	mode := "enrich"
	if f.dryRun {
		mode = "plan"
	}
	env, err := initEnv(ctx, mode, f.dialect, f.dryRun)
	if err != nil {
		return err
	}
	defer env.Close()

	if f.dryRun {
		var plan *enrichment.Plan
		if polygons {
			plan, err = env.Enricher.PlanPolygons(ctx, refs, opts...)
		} else {
			plan, err = env.Enricher.PlanPoints(ctx, refs, opts...)
		}
		if err != nil {
			return err
		}
		return printPlan(cmd.OutOrStdout(), plan)
	}

	if f.input == "" {
		return eris.New("enrich: --input is required unless --dry-run is set")
	}
	data, err := dataio.Read(ctx, f.input, dataio.ReadOptions{
		GeometryColumn: f.geometry(),
		CSV:            dataio.CSVOptions{Encoding: f.encoding},
	})
	if err != nil {
		return err
	}

	var out *frame.Frame
	if polygons {
		out, err = env.Enricher.EnrichPolygons(ctx, data, refs, opts...)
	} else {
		out, err = env.Enricher.EnrichPoints(ctx, data, refs, opts...)
	}
	if err != nil {
		return err
	}

	return writeResult(cmd.OutOrStdout(), f.output, f.geometry(), out)
}

func printPlan(w io.Writer, plan *enrichment.Plan) error {
	fmt.Fprintf(w, "-- upload table: %s\n", plan.Table)
	for i, q := range plan.Queries {
		g := plan.Groups[i]
		fmt.Fprintf(w, "-- %s (%d variables)\n%s;\n\n", g.Source, len(g.Variables), q)
	}
	return nil
}

func writeResult(stdout io.Writer, path, geomCol string, out *frame.Frame) error {
	if path == "" {
		return dataio.WriteCSV(stdout, out, dataio.CSVOptions{})
	}
	if err := dataio.Write(path, out, dataio.WriteOptions{GeometryColumn: geomCol}); err != nil {
		return err
	}
	zap.L().Info("enrichment written", zap.String("path", path), zap.Int("rows", out.Len()))
	return nil
}
