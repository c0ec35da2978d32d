package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fly-io/multiflash/pkg/db"
	"github.com/fly-io/multiflash/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	historyFormat string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded flash runs and their per-device results",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyFormat, "format", "text", "Output format (text, json, yaml)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Max runs to show (0 = all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	runs, err := repo.ListRuns(cmd.Context(), historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	return printRuns(cmd.OutOrStdout(), historyFormat, runs)
}

func printRuns(w io.Writer, format string, runs []*db.Run) error {
	if runs == nil {
		runs = []*db.Run{}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(runs); err != nil {
			return err
		}
		return enc.Close()
	case "text":
	default:
		return errors.Validation("unknown format %q (want text, json or yaml)", format)
	}

	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found")
		return nil
	}

	fmt.Fprintf(w, "%-36s %-10s %-20s %-8s %s\n", "RUN", "STATUS", "STARTED", "DEVICES", "IMAGE")
	fmt.Fprintln(w, "--------------------------------------------------------------------------------------------------------")
	for _, run := range runs {
		ok := 0
		for _, r := range run.Results {
			if r.Success {
				ok++
			}
		}
		fmt.Fprintf(w, "%-36s %-10s %-20s %-8s %s\n",
			run.ID, run.Status, run.StartedAt, fmt.Sprintf("%d/%d", ok, len(run.Destinations)), run.ImagePath)
		if run.ErrorMessage != "" {
			fmt.Fprintf(w, "    error: %s\n", run.ErrorMessage)
		}
		for _, r := range run.Results {
			if !r.Success {
				fmt.Fprintf(w, "    %s: %s\n", r.Device, r.ErrorMessage)
			}
		}
	}
	return nil
}
