package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gradcafe-crawler/internal/bulk"
	"github.com/JakeFAU/gradcafe-crawler/internal/normalize"
)

func newLoadCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Bulk-loads a JSONL export, skipping URLs already stored",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoadCommand(cmd, file)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSONL file with one applicant per line (UTF-8 or UTF-16 with BOM)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runLoadCommand(cmd *cobra.Command, path string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if path == "" {
		return errors.New("--file is required")
	}
	logger := appInstance.Logger()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			logger.Warn("Failed to close input", zap.Error(cerr))
		}
	}()

	decoded, err := bulk.Read(f)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if decoded.Errors > 0 {
		logger.Warn("Skipped undecodable lines",
			zap.Int("count", decoded.Errors),
			zap.Int("first_line", decoded.FirstErrorLine),
			zap.String("first_error", decoded.FirstError),
		)
	}

	records, missing := normalize.All(decoded.Records, logger.Named("normalize"))
	result, err := appInstance.Load(cmd.Context(), records)
	fmt.Fprintf(cmd.OutOrStdout(),
		"Read %d lines (%d undecodable). Inserted %d; skipped %d duplicates, %d invalid, %d without URLs, %d failed.\n",
		decoded.Lines, decoded.Errors, result.Inserted, result.Duplicates, result.Invalid, missing, result.Failed)
	if err != nil {
		return err
	}
	return nil
}
