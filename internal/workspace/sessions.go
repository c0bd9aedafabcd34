package workspace

import (
	"fmt"
	"path/filepath"
)

// SessionsDir is <repo>/.opensprint/sessions, holding one immutable
// folder per attempt.
func SessionsDir(repoDir string) string {
	return filepath.Join(repoDir, ".opensprint", "sessions")
}

// SessionDir is the folder for one specific attempt, the same naming
// PhaseExecutor.archiveSession uses: <taskId>-<attempt>.
func SessionDir(repoDir, taskID string, attempt int) string {
	return filepath.Join(SessionsDir(repoDir), fmt.Sprintf("%s-%d", taskID, attempt))
}
