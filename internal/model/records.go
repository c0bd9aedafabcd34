package model

import "time"

// Phase names a step of the PhaseExecutor state machine.
type Phase string

const (
	PhaseCoding Phase = "coding"
	PhaseReview Phase = "review"
	PhaseRebase Phase = "rebase"
)

// AgentRole names which side of the coding/review split a spawned
// AgentProcess plays.
type AgentRole string

const (
	RoleCoder    AgentRole = "coder"
	RoleReviewer AgentRole = "reviewer"
)

// AssignmentRecord is the durable copy of a Slot's essentials, persisted
// at <workspace>/.opensprint/active/<taskId>/assignment.json. Recovery
// reads this file to reattach to or re-queue a task after a restart.
type AssignmentRecord struct {
	TaskID         string    `json:"taskId"`
	Phase          Phase     `json:"phase"`
	BranchName     string    `json:"branchName"`
	WorktreePath   string    `json:"worktreePath"`
	Attempt        int       `json:"attempt"`
	AgentPID       int       `json:"agentPid"`
	HeartbeatPath  string    `json:"heartbeatPath"`
	AgentRole      AgentRole `json:"agentRole"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ResultStatus is the terminal status an agent reports in result.json.
type ResultStatus string

const (
	ResultSuccess  ResultStatus = "success"
	ResultFailed   ResultStatus = "failed"
	ResultApproved ResultStatus = "approved"
	ResultRejected ResultStatus = "rejected"
)

// IsTerminal reports whether s is one of the four terminal statuses an
// agent may write to result.json.
func (s ResultStatus) IsTerminal() bool {
	switch s {
	case ResultSuccess, ResultFailed, ResultApproved, ResultRejected:
		return true
	}
	return false
}

// TestResults is the optional structured test summary an agent may
// attach to its result document.
type TestResults struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// ResultDocument is the content of result.json, written by the agent and
// observed by the PhaseExecutor.
type ResultDocument struct {
	Status      ResultStatus `json:"status"`
	Summary     string       `json:"summary"`
	Issues      []string     `json:"issues,omitempty"`
	TestResults *TestResults `json:"testResults,omitempty"`
}

// Heartbeat is the content of heartbeat.json: a freshness channel used
// when a subprocess may have leaked across a backend restart.
type Heartbeat struct {
	PID       int       `json:"pid"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FeedbackItem is a pending piece of user feedback awaiting triage by
// the external Analyst collaborator. The core only claims and hands
// these off; it never interprets their content.
type FeedbackItem struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	TaskID    string    `json:"taskId,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionMetadata is stored alongside the archived output/diff/result of
// one attempt, under <repo>/.opensprint/sessions/<taskId>-<attempt>/.
type SessionMetadata struct {
	TaskID    string       `json:"taskId"`
	Attempt   int          `json:"attempt"`
	Phase     Phase        `json:"phase"`
	Role      AgentRole    `json:"role"`
	Outcome   ResultStatus `json:"outcome"`
	StartedAt time.Time    `json:"startedAt"`
	EndedAt   time.Time    `json:"endedAt"`
	Reason    string       `json:"reason,omitempty"`
}
