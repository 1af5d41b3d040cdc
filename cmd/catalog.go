package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cartodb/observatory-cli/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect Data Observatory metadata",
}

var catalogVariableCmd = &cobra.Command{
	Use:   "variable <id-or-slug>",
	Short: "Show a variable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "catalog", "", true)
		if err != nil {
			return err
		}
		defer env.Close()

		v, err := env.Catalog.Variable(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printYAML(cmd, v)
	},
}

var catalogDatasetCmd = &cobra.Command{
	Use:   "dataset <id>",
	Short: "Show a dataset with its geography and subscription status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "catalog", "", true)
		if err != nil {
			return err
		}
		defer env.Close()

		d, err := env.Catalog.Dataset(ctx, args[0])
		if err != nil {
			return err
		}
		subscribed, err := env.Catalog.IsSubscribed(ctx, catalog.KindDataset, d.ID)
		if err != nil {
			return err
		}

		out := map[string]any{
			"dataset":    d,
			"subscribed": subscribed || d.IsPublicData,
			"available":  d.IsAvailableIn(cfg.Catalog.Platform),
		}
		if g, err := env.Catalog.Geography(ctx, d.GeographyID); err == nil {
			out["geography"] = g
		}
		return printYAML(cmd, out)
	},
}

var catalogPurgeCmd = &cobra.Command{
	Use:   "purge-cache",
	Short: "Delete every cached catalog entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "catalog", "", true)
		if err != nil {
			return err
		}
		defer env.Close()

		if env.cache == nil {
			return eris.New("catalog: no cache configured (set catalog.cache_path)")
		}
		if err := env.cache.Purge(cmd.Context()); err != nil {
			return err
		}
		cmd.Println("catalog cache purged")
		return nil
	},
}

func printYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "catalog: encode yaml")
	}
	return enc.Close()
}

func init() {
	catalogCmd.AddCommand(catalogVariableCmd, catalogDatasetCmd, catalogPurgeCmd)
	rootCmd.AddCommand(catalogCmd)
}
