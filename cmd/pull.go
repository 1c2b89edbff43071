package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Pulls new results once and prints the summary",
		RunE:  runPullCommand,
	}
}

func runPullCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	status, err := appInstance.Pull(cmd.Context())
	fmt.Fprintln(cmd.OutOrStdout(), status.Message)
	if err != nil {
		return err
	}
	appInstance.Logger().Info("Pull command finished.",
		zap.String("run_id", status.RunID),
		zap.Int("pages_scraped", status.PagesScraped),
		zap.Int("records_inserted", status.RecordsInserted),
	)
	return nil
}
