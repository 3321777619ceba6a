package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kferreira/mdpilot/internal/config"
	"github.com/kferreira/mdpilot/internal/history"
	"github.com/kferreira/mdpilot/internal/util"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the run transition log",
	Long:  `Print every recorded gate, invocation, job, and pipeline transition of the current run in order.`,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntP("tail", "n", 0, "show only the last N transitions")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	records, err := history.Read(cfg.Workdir)
	if err != nil {
		return fmt.Errorf("reading run history: %w", err)
	}
	if tail, _ := cmd.Flags().GetInt("tail"); tail > 0 && tail < len(records) {
		records = records[len(records)-tail:]
	}
	if len(records) == 0 {
		fmt.Println("No run history in", cfg.Workdir)
		return nil
	}

	for _, r := range records {
		fmt.Println(formatRecord(r))
	}
	return nil
}

func formatRecord(r history.Record) string {
	line := fmt.Sprintf("%s  %-22s", r.At.Format("2006-01-02 15:04:05"), r.Kind)
	switch {
	case r.Gate != "":
		line += fmt.Sprintf(" %s -> %s", r.Gate, r.State)
		if r.Evidence != "" {
			line += dimStyle.Render("  " + util.TruncateString(r.Evidence, 80))
		}
	case r.Capability != "":
		line += fmt.Sprintf(" [%d] %s", r.InvocationID, r.Capability)
		if r.Status != "" {
			line += " " + r.Status
		}
		if r.Reason != "" {
			line += dimStyle.Render(fmt.Sprintf(" (%s)", r.Reason))
		}
	case r.JobID != "":
		line += fmt.Sprintf(" job %s %s", r.JobID, r.State)
		if r.Detail != "" {
			line += dimStyle.Render("  " + r.Detail)
		}
	default:
		if r.Detail != "" {
			line += " " + r.Detail
		}
	}
	return line
}
