package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"crportal/api/internal/export"
	"crportal/api/internal/query"
)

func newExportCmd() *cobra.Command {
	var (
		format string
		outDir string
		filter query.Filter
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a CR report to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := export.ParseFormat(format)
			if err != nil {
				return fmt.Errorf("invalid --format: %w", err)
			}

			rt, ctx, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.service.Export(ctx, parsed, filter)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
			path := filepath.Join(outDir, result.Filename)
			if err := os.WriteFile(path, result.Data, 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			rt.log.WithFields(logrus.Fields{"path": path, "bytes": len(result.Data)}).Info("report written")
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "csv", "Report format: csv, xlsx or pdf")
	cmd.Flags().StringVar(&outDir, "out", ".", "Output directory")
	cmd.Flags().StringVar(&filter.Search, "search", "", "Text filter")
	cmd.Flags().StringVar(&filter.Status, "status", "", "Status filter (All for every status)")
	cmd.Flags().StringVar(&filter.DateField, "date-field", "", "Date field to range filter on")
	cmd.Flags().StringVar(&filter.From, "from", "", "Inclusive start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&filter.To, "to", "", "Inclusive end date (YYYY-MM-DD)")
	return cmd
}
