// Command brainy is a smoke-test harness over the public API, not a
// general-purpose CLI surface. It exposes just enough subcommands to
// exercise Open/Add/Find/Stats/Shutdown end to end from a shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brainydb/brainy"
)

var (
	storagePath string
	dimensions  int
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "brainy",
		Short: "Smoke-test harness for the brainy vector-and-graph store",
	}
	root.PersistentFlags().StringVar(&storagePath, "storage", "", "local_fs storage directory (empty uses an in-memory store)")
	root.PersistentFlags().IntVar(&dimensions, "dim", 0, "vector dimension (0 infers from the first insert)")

	root.AddCommand(initCmd(), addCmd(), findCmd(), statsCmd())
	return root
}

func openDB(ctx context.Context) (*brainy.DB, error) {
	cfg := brainy.DefaultConfig()
	cfg.Dimension = dimensions
	if storagePath != "" {
		cfg.Storage = brainy.StorageConfig{Kind: brainy.StorageLocalFS, LocalPath: storagePath}
	}
	return brainy.Open(ctx, cfg)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Open a database and report the wiring succeeded",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Shutdown(ctx)
			fmt.Println("brainy: initialized")
			return nil
		},
	}
}

func addCmd() *cobra.Command {
	var typeName, vectorStr, label string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a noun with an explicit vector",
		RunE: func(cmd *cobra.Command, args []string) error {
			vector, err := parseVector(vectorStr)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Shutdown(ctx)

			id, err := db.Add(ctx, brainy.AddRequest{
				Type:   brainy.ParseNounType(typeName),
				Vector: vector,
				Label:  label,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "concept", "noun type")
	cmd.Flags().StringVar(&vectorStr, "vector", "", "comma-separated vector components")
	cmd.Flags().StringVar(&label, "label", "", "optional label")
	return cmd
}

func findCmd() *cobra.Command {
	var vectorStr string
	var k int
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Run a vector search and print results as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			vector, err := parseVector(vectorStr)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Shutdown(ctx)

			resp, err := db.Find(ctx, brainy.FindRequest{Vector: vector, K: k, Strategy: brainy.SearchAdaptive})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp.Hits)
		},
	}
	cmd.Flags().StringVar(&vectorStr, "vector", "", "comma-separated query vector")
	cmd.Flags().IntVar(&k, "k", 10, "number of results")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the current statistics record as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Shutdown(ctx)

			stats := db.GetStatistics(ctx)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

func parseVector(s string) ([]float32, error) {
	if s == "" {
		return nil, fmt.Errorf("brainy: --vector is required")
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("brainy: invalid vector component %q: %w", p, err)
		}
		out = append(out, float32(v))
	}
	return out, nil
}
