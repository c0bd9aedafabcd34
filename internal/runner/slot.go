package runner

import (
	"sync"
	"time"

	"opensprint/internal/model"
)

// Slot is one in-memory work assignment: it owns one task's Workspace
// and AgentProcess for its lifetime.
type Slot struct {
	TaskID       string
	Title        string
	BranchName   string
	WorktreePath string
	Attempt      int
	ReviewRound  int
	RebaseRound  int
	Phase        model.Phase

	mu     sync.Mutex
	agent  AgentHandle
	killed bool

	StartedAt      time.Time
	lastOutputAt   time.Time
	cancelInactive chan struct{}
}

// NewRecoveredSlot builds a Slot from a durable AssignmentRecord, for
// RecoveryCoordinator's reattach and re-admit paths,
// where the Slot's phase and attempt must mirror what was already
// persisted rather than the fresh defaults admit() uses.
func NewRecoveredSlot(taskID, title, branch, worktree string, attempt int, phase model.Phase, startedAt time.Time) *Slot {
	s := newSlot(taskID, title, branch, worktree, attempt, startedAt)
	s.Phase = phase
	return s
}

func newSlot(taskID, title, branch, worktree string, attempt int, startedAt time.Time) *Slot {
	return &Slot{
		TaskID:         taskID,
		Title:          title,
		BranchName:     branch,
		WorktreePath:   worktree,
		Attempt:        attempt,
		Phase:          model.PhaseCoding,
		StartedAt:      startedAt,
		lastOutputAt:   startedAt,
		cancelInactive: make(chan struct{}),
	}
}

func (s *Slot) setAgent(h AgentHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent = h
}

func (s *Slot) touchOutput(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOutputAt = at
}

func (s *Slot) idleSince(at time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return at.Sub(s.lastOutputAt)
}

// kill terminates the slot's current subprocess, if any, and marks the
// slot as having been explicitly cancelled (the PhaseExecutor inspects
// this to choose between a natural-failure retry and blocked/Cancelled).
func (s *Slot) kill() {
	s.mu.Lock()
	s.killed = true
	agent := s.agent
	s.mu.Unlock()
	if agent != nil {
		agent.Kill()
	}
}

func (s *Slot) wasKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

// Snapshot is the read-only view external callers (getStatus) receive;
// it never exposes the live agent handle.
type Snapshot struct {
	TaskID       string
	Title        string
	BranchName   string
	WorktreePath string
	Attempt      int
	Phase        model.Phase
	StartedAt    time.Time
}

func (s *Slot) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		TaskID:       s.TaskID,
		Title:        s.Title,
		BranchName:   s.BranchName,
		WorktreePath: s.WorktreePath,
		Attempt:      s.Attempt,
		Phase:        s.Phase,
		StartedAt:    s.StartedAt,
	}
}
