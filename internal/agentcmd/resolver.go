// Package agentcmd resolves the concrete subprocess to spawn for one
// coding or review attempt, switching on the configured agent identity
// (claude-API, claude-CLI, cursor, or custom).
package agentcmd

import (
	"fmt"
	"os"

	"opensprint/internal/model"
	"opensprint/internal/runner"
)

// Resolver implements runner.CommandResolver against ProjectSettings'
// SimpleComplexityAgent/ComplexComplexityAgent identities.
type Resolver struct {
	// SimpleAgent/ComplexAgent name which identity to invoke for a task
	// of that resolved complexity, matching ProjectSettings.
	SimpleAgent  string
	ComplexAgent string

	// APIKeyEnvVar names the environment variable that must hold the
	// API key for claude-API; when it is empty or that variable is
	// unset, resolving a claude-API identity fails.
	APIKeyEnvVar string
}

// NewResolver constructs a Resolver from the two agent identity strings
// a project's settings carry.
func NewResolver(simpleAgent, complexAgent, apiKeyEnvVar string) *Resolver {
	return &Resolver{SimpleAgent: simpleAgent, ComplexAgent: complexAgent, APIKeyEnvVar: apiKeyEnvVar}
}

// Resolve picks the agent identity for complexity, then builds the
// argv for role (coder gets an implementation prompt context, reviewer
// gets a read-only diff review context — the prompt text itself is
// assembled by PhaseExecutor.writeContext; Resolve only decides the
// executable).
func (r *Resolver) Resolve(role model.AgentRole, complexity model.Complexity, workDir string) (runner.AgentCommand, error) {
	identity := r.SimpleAgent
	if complexity == model.ComplexityComplex {
		identity = r.ComplexAgent
	}
	if identity == "" {
		identity = "claude-CLI"
	}

	switch identity {
	case "claude-CLI":
		return r.claudeCLI(role, workDir), nil
	case "claude-API":
		return r.claudeAPI(role, workDir)
	case "cursor":
		return runner.AgentCommand{
			Command: "cursor-agent",
			Args:    []string{"--print", "--workdir", workDir, "--prompt-file", "prompt.md"},
			Env:     os.Environ(),
		}, nil
	case "custom":
		cmd := os.Getenv("OPENSPRINT_CUSTOM_AGENT_COMMAND")
		if cmd == "" {
			return runner.AgentCommand{}, fmt.Errorf("agentcmd: custom agent identity requires OPENSPRINT_CUSTOM_AGENT_COMMAND")
		}
		return runner.AgentCommand{Command: cmd, Args: []string{"prompt.md"}, Env: os.Environ()}, nil
	default:
		return runner.AgentCommand{}, fmt.Errorf("agentcmd: unknown agent identity %q", identity)
	}
}

func (r *Resolver) claudeCLI(role model.AgentRole, workDir string) runner.AgentCommand {
	args := []string{"--print", "--dangerously-skip-permissions", "--add-dir", workDir}
	if role == model.RoleReviewer {
		args = append(args, "--append-system-prompt", "You are a code reviewer. Do not modify files.")
	}
	args = append(args, "--", "prompt.md")
	return runner.AgentCommand{Command: "claude", Args: args, Env: os.Environ()}
}

func (r *Resolver) claudeAPI(role model.AgentRole, workDir string) (runner.AgentCommand, error) {
	if r.APIKeyEnvVar == "" || os.Getenv(r.APIKeyEnvVar) == "" {
		return runner.AgentCommand{}, fmt.Errorf("agentcmd: claude-API requires %s to be set", r.APIKeyEnvVar)
	}
	return runner.AgentCommand{
		Command: "opensprint-agent-bridge",
		Args:    []string{"--provider", "anthropic", "--workdir", workDir, "--role", string(role), "--prompt-file", "prompt.md"},
		Env:     os.Environ(),
	}, nil
}

var _ runner.CommandResolver = (*Resolver)(nil)
