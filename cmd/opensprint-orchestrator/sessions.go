package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"opensprint/internal/model"
	"opensprint/internal/workspace"
)

func init() {
	sessionsCmd.Flags().String("repo", "", "repo directory to look under (default: current directory)")
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsShowCmd.Flags().String("repo", "", "repo directory to look under (default: current directory)")
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List archived session folders under .opensprint/sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoDir, err := repoDirFlag(cmd)
		if err != nil {
			return err
		}
		entries, err := os.ReadDir(workspace.SessionsDir(repoDir))
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("(no sessions archived yet)")
				return nil
			}
			return fmt.Errorf("sessions: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <taskId>-<attempt>",
	Short: "Print one session's metadata and output log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoDir, err := repoDirFlag(cmd)
		if err != nil {
			return err
		}
		dir := filepath.Join(workspace.SessionsDir(repoDir), args[0])

		metaBytes, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
		if err != nil {
			return fmt.Errorf("sessions show: %w", err)
		}
		var meta model.SessionMetadata
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			return fmt.Errorf("sessions show: decode metadata: %w", err)
		}
		fmt.Printf("task=%s attempt=%d phase=%s role=%s outcome=%s reason=%q\n",
			meta.TaskID, meta.Attempt, meta.Phase, meta.Role, meta.Outcome, meta.Reason)

		out, err := os.ReadFile(filepath.Join(dir, "output.log"))
		if err == nil {
			fmt.Println("--- output.log ---")
			os.Stdout.Write(out)
		}
		return nil
	},
}

func repoDirFlag(cmd *cobra.Command) (string, error) {
	repo, _ := cmd.Flags().GetString("repo")
	if repo != "" {
		return repo, nil
	}
	return os.Getwd()
}
