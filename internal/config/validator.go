package config

import "fmt"

// Validate checks that a decoded ProjectSettings is internally
// consistent before a ProjectRunner is constructed from it.
func Validate(s ProjectSettings) error {
	switch s.GitWorkingMode {
	case GitModeWorktree, GitModeBranches:
	default:
		return fmt.Errorf("invalid gitWorkingMode %q", s.GitWorkingMode)
	}

	switch s.ReviewMode {
	case ReviewNever, ReviewAlways, ReviewComplexOnly:
	default:
		return fmt.Errorf("invalid reviewMode %q", s.ReviewMode)
	}

	if s.MaxConcurrentCoders < 1 {
		return fmt.Errorf("maxConcurrentCoders must be >= 1, got %d", s.MaxConcurrentCoders)
	}
	if s.MaxCodingAttempts < 1 {
		return fmt.Errorf("maxCodingAttempts must be >= 1, got %d", s.MaxCodingAttempts)
	}
	if s.MaxReviewAttempts < 1 {
		return fmt.Errorf("maxReviewAttempts must be >= 1, got %d", s.MaxReviewAttempts)
	}
	if s.AgentInactivityTimeout <= 0 {
		return fmt.Errorf("agentInactivityTimeout must be positive")
	}
	if s.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeatInterval must be positive")
	}
	return nil
}
