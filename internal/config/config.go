// Package config loads OpenSprint's process-wide defaults and per-project
// settings: environment variables and an optional YAML file override
// compiled-in defaults via viper, with .env loaded first by godotenv.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// GitWorkingMode selects how the Workspace isolates a task's working
// copy.
type GitWorkingMode string

const (
	GitModeWorktree GitWorkingMode = "worktree"
	GitModeBranches GitWorkingMode = "branches"
)

// ReviewMode gates whether and when the review phase runs.
type ReviewMode string

const (
	ReviewNever       ReviewMode = "never"
	ReviewAlways      ReviewMode = "always"
	ReviewComplexOnly ReviewMode = "complex-only"
)

// DeploymentSettings controls the two deployment/feedback side-effect
// hooks.
type DeploymentSettings struct {
	AutoDeployOnEpicCompletion        bool `mapstructure:"autoDeployOnEpicCompletion"`
	AutoResolveFeedbackOnTaskCompletion bool `mapstructure:"autoResolveFeedbackOnTaskCompletion"`
}

// ProjectSettings is the full set of recognized per-project configuration
// options.
type ProjectSettings struct {
	MaxConcurrentCoders   int            `mapstructure:"maxConcurrentCoders"`
	GitWorkingMode        GitWorkingMode `mapstructure:"gitWorkingMode"`
	ReviewMode            ReviewMode     `mapstructure:"reviewMode"`
	TestFramework         string         `mapstructure:"testFramework"`
	TestCommand           string         `mapstructure:"testCommand"`
	// ContainerTestRuntime runs TestCommand inside a fresh Docker
	// container via the dockerpool collaborator instead of trusting the
	// agent's own result.testResults, isolating the test run from
	// whatever the agent process left behind in the worktree.
	ContainerTestRuntime  bool           `mapstructure:"containerTestRuntime"`
	SimpleComplexityAgent string         `mapstructure:"simpleComplexityAgent"`
	ComplexComplexityAgent string        `mapstructure:"complexComplexityAgent"`
	Deployment            DeploymentSettings `mapstructure:"deployment"`

	// MaxCodingAttempts bounds coding retries. Default 3.
	MaxCodingAttempts int `mapstructure:"maxCodingAttempts"`
	// MaxReviewAttempts bounds review-rejection retries the same way.
	MaxReviewAttempts int `mapstructure:"maxReviewAttempts"`

	AgentInactivityTimeout time.Duration `mapstructure:"agentInactivityTimeout"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeatInterval"`
}

// EffectiveMaxSlots caps concurrency: branches mode shares one checkout
// and therefore always forces a single slot.
func (s ProjectSettings) EffectiveMaxSlots() int {
	if s.GitWorkingMode == GitModeBranches {
		return 1
	}
	if s.MaxConcurrentCoders <= 0 {
		return 1
	}
	return s.MaxConcurrentCoders
}

// Defaults returns the compiled-in default settings.
func Defaults() ProjectSettings {
	return ProjectSettings{
		MaxConcurrentCoders:    3,
		GitWorkingMode:         GitModeWorktree,
		ReviewMode:             ReviewComplexOnly,
		TestFramework:          "",
		TestCommand:            "",
		SimpleComplexityAgent:  "claude-CLI",
		ComplexComplexityAgent: "claude-CLI",
		MaxCodingAttempts:      3,
		MaxReviewAttempts:      3,
		AgentInactivityTimeout: 20 * time.Minute,
		HeartbeatInterval:      10 * time.Second,
	}
}

// Load initializes global process configuration (provider credentials,
// metrics port, git identity) from .env, a YAML file, and environment
// variables prefixed OPENSPRINT_. It operates on the global viper so
// cobra flag bindings made in cmd files resolve against the same
// instance.
func Load(cfgFile string) *viper.Viper {
	if err := godotenv.Load(); err != nil {
		// No .env file is not an error condition worth surfacing.
		_ = err
	}

	v := viper.GetViper()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("opensprint")
	}

	v.SetEnvPrefix("OPENSPRINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault("maxConcurrentCoders", d.MaxConcurrentCoders)
	v.SetDefault("gitWorkingMode", string(d.GitWorkingMode))
	v.SetDefault("reviewMode", string(d.ReviewMode))
	v.SetDefault("maxCodingAttempts", d.MaxCodingAttempts)
	v.SetDefault("maxReviewAttempts", d.MaxReviewAttempts)
	v.SetDefault("agentInactivityTimeout", d.AgentInactivityTimeout.String())
	v.SetDefault("heartbeatInterval", d.HeartbeatInterval.String())
	v.SetDefault("metrics_port", 2112)
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.connectionString", "opensprint.db")
	v.SetDefault("notifications.slack.enabled", false)
	v.SetDefault("notifications.slack.channel", "#opensprint")
	v.SetDefault("containerTestRuntime", false)
	v.SetDefault("agent_runtime", "local")
	v.SetDefault("docker.test_image", "node:20-slim")
	v.SetDefault("k8s.namespace", "")
	v.SetDefault("k8s.image", "")
	v.SetDefault("k8s.pvc_claim", "opensprint-workspace")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "opensprint: error reading config: %v\n", err)
		}
	} else {
		fmt.Fprintln(os.Stderr, "opensprint: using config file:", v.ConfigFileUsed())
	}

	return v
}

// ProjectSettingsFromViper decodes a project's settings sub-tree,
// layering it over Defaults() so partially-specified projects still get
// sane values for every option.
func ProjectSettingsFromViper(v *viper.Viper, key string) (ProjectSettings, error) {
	out := Defaults()
	sub := v.Sub(key)
	if sub == nil {
		return out, nil
	}
	if err := sub.Unmarshal(&out); err != nil {
		return out, fmt.Errorf("decode project settings %q: %w", key, err)
	}
	return out, nil
}
