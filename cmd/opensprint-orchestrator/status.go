package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"opensprint/internal/ui"
)

func init() {
	statusCmd.Flags().Duration("interval", 2*time.Second, "poll interval")
	statusCmd.Flags().Bool("watch", false, "keep polling in a live terminal dashboard instead of printing once")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <project>",
	Short: "Show a project's active slots, queue depth, and counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project := args[0]
		fetch := func() (ui.StatusView, error) {
			return fetchStatus(apiAddrFlag, project)
		}

		watch, _ := cmd.Flags().GetBool("watch")
		if !watch {
			v, err := fetch()
			if err != nil {
				return err
			}
			printStatusOnce(project, v)
			return nil
		}

		interval, _ := cmd.Flags().GetDuration("interval")
		return ui.Run(ui.NewModel(project, fetch, interval))
	},
}

func fetchStatus(base, project string) (ui.StatusView, error) {
	url := fmt.Sprintf("%s/projects/%s/status", base, project)
	resp, err := http.Get(url)
	if err != nil {
		return ui.StatusView{}, fmt.Errorf("status: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ui.StatusView{}, fmt.Errorf("status: server returned %s", resp.Status)
	}
	var v ui.StatusView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return ui.StatusView{}, fmt.Errorf("status: decode: %w", err)
	}
	return v, nil
}

func printStatusOnce(project string, v ui.StatusView) {
	fmt.Fprintf(os.Stdout, "%s: queue depth %d, done %d, failed %d\n", project, v.QueueDepth, v.TotalDone, v.TotalFailed)
	for _, t := range v.ActiveTasks {
		fmt.Fprintf(os.Stdout, "  %-12s %-8s attempt %-2d  %s\n", t.TaskID, t.Phase, t.Attempt, t.Title)
	}
}
