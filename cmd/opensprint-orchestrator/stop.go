package main

import (
	"bytes"
	"fmt"
	"net/http"

	survey "github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
)

var askOneFunc = survey.AskOne

func init() {
	stopCmd.Flags().Bool("yes", false, "skip the confirmation prompt")
	rootCmd.AddCommand(stopCmd)
}

var stopCmd = &cobra.Command{
	Use:   "stop <project>",
	Short: "Stop a project's runner from admitting tasks; active slots run to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project := args[0]

		skip, _ := cmd.Flags().GetBool("yes")
		if !skip {
			v, err := fetchStatus(apiAddrFlag, project)
			if err == nil && len(v.ActiveTasks) > 0 {
				confirmed := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("%s has %d active slot(s); stop anyway?", project, len(v.ActiveTasks)),
					Default: false,
				}
				if err := askOneFunc(prompt, &confirmed); err != nil {
					return fmt.Errorf("stop: prompt: %w", err)
				}
				if !confirmed {
					fmt.Println("aborted")
					return nil
				}
			}
		}

		url := fmt.Sprintf("%s/projects/%s/stop", apiAddrFlag, project)
		resp, err := http.Post(url, "application/json", bytes.NewReader(nil))
		if err != nil {
			return fmt.Errorf("stop: request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return fmt.Errorf("stop: server returned %s", resp.Status)
		}
		fmt.Printf("%s stopped\n", project)
		return nil
	},
}
