package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var exit = os.Exit

var cfgFile string
var apiAddrFlag string

// rootCmd is the base command; `serve` is the one long-running process,
// the rest (status/stop/sessions) are thin clients talking to its JSON
// API over apiAddrFlag.
var rootCmd = &cobra.Command{
	Use:   "opensprint-orchestrator",
	Short: "OpenSprint Execute core: runs coding agents against queued tasks",
	Long: `opensprint-orchestrator runs the OpenSprint execution engine:
one ProjectRunner per configured project, each driving a small pool of
Slots through coding, review, and merge. "serve" is the long-running
process; "status", "stop", and "sessions" are operator commands against
its HTTP API.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command; called by main().
func Execute() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "opensprint-orchestrator: panic: %v\n", r)
			exit(1)
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./opensprint.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiAddrFlag, "api-addr", "http://127.0.0.1:8088", "base URL of a running serve's status API")
}

// bindServeFlags registers the flags serve.go consumes via viper, kept
// separate from rootCmd's persistent flags since status/stop/sessions
// don't need them.
func bindServeFlags(fs *pflag.FlagSet) {
	fs.BoolP("verbose", "v", false, "enable debug logging")
	fs.String("metrics-addr", ":2112", "address to serve /metrics on")
	fs.String("serve-api-addr", ":8088", "address to serve the status/live-output JSON API on")
	fs.Bool("telemetry", false, "enable OTLP/HTTP trace export")
	fs.String("otlp-endpoint", "", "OTLP/HTTP collector endpoint (host:port)")
	fs.Bool("slack", false, "enable Slack status notifications")

	_ = viper.BindPFlag("verbose", fs.Lookup("verbose"))
	_ = viper.BindPFlag("metrics_addr", fs.Lookup("metrics-addr"))
	_ = viper.BindPFlag("api_addr", fs.Lookup("serve-api-addr"))
	_ = viper.BindPFlag("telemetry.enabled", fs.Lookup("telemetry"))
	_ = viper.BindPFlag("telemetry.otlp_endpoint", fs.Lookup("otlp-endpoint"))
	_ = viper.BindPFlag("notifications.slack.enabled", fs.Lookup("slack"))
	_ = viper.BindEnv("notifications.slack.bot_token", "OPENSPRINT_SLACK_BOT_TOKEN", "SLACK_BOT_USER_TOKEN")
}
