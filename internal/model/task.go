// Package model defines the durable data types the Execute core operates
// on: tasks, plans, and the dependency graph between them. These types
// mirror the rows kept by the task store; the core treats the store as
// the authoritative source of truth and only ever mutates tasks through
// it.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
	StatusBlocked    Status = "blocked"
)

// IssueType classifies the kind of work a Task represents.
type IssueType string

const (
	IssueBug     IssueType = "bug"
	IssueFeature IssueType = "feature"
	IssueTask    IssueType = "task"
	IssueEpic    IssueType = "epic"
	IssueChore   IssueType = "chore"
)

// Complexity is a coarse estimate used to select an agent identity and to
// gate the review phase when reviewMode is "complex-only".
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
)

// DependencyKind names the relationship a DependencyEdge encodes.
type DependencyKind string

const (
	DepBlocks         DependencyKind = "blocks"
	DepParentChild    DependencyKind = "parent-child"
	DepDiscoveredFrom DependencyKind = "discovered-from"
	DepRelated        DependencyKind = "related"
)

// DependencyEdge points from a Task to another task it relates to.
type DependencyEdge struct {
	TargetID string         `json:"targetId"`
	Kind     DependencyKind `json:"kind"`
}

const (
	attemptsLabelPrefix       = "attempts:"
	reviewAttemptsLabelPrefix = "review-attempts:"
)

// Task is the unit of work the Execute core schedules.
type Task struct {
	ID           string
	Title        string
	Description  string
	Priority     int // 0 (highest) .. 4 (lowest)
	IssueType    IssueType
	Status       Status
	CloseReason  string
	Assignee     *string
	Labels       []string
	Dependencies []DependencyEdge
	Complexity   *Complexity

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Validate checks the structural invariants of a Task. It does not
// mutate the task; callers that need to enforce an invariant should fix
// the field before persisting.
func (t *Task) Validate() error {
	if t.Status == StatusBlocked && t.CloseReason == "" {
		return fmt.Errorf("task %s: status=blocked requires a blockReason", t.ID)
	}
	if t.Status == StatusClosed && t.CompletedAt == nil {
		return fmt.Errorf("task %s: status=closed requires completedAt", t.ID)
	}
	if t.Assignee != nil && *t.Assignee != "" {
		if t.Status != StatusInProgress && t.Status != StatusClosed {
			return fmt.Errorf("task %s: assignee set requires status in_progress or closed, got %s", t.ID, t.Status)
		}
	}
	n := 0
	for _, l := range t.Labels {
		if strings.HasPrefix(l, attemptsLabelPrefix) {
			n++
		}
	}
	if n > 1 {
		return fmt.Errorf("task %s: more than one attempts:* label present", t.ID)
	}
	return nil
}

// Epic returns the epic component of a "<epic>.<n>" task ID.
func Epic(taskID string) string {
	if i := strings.Index(taskID, "."); i >= 0 {
		return taskID[:i]
	}
	return taskID
}

// CumulativeAttempts reads the attempts:<n> label, defaulting to 0 when
// absent.
func (t *Task) CumulativeAttempts() int {
	return labelCounter(t.Labels, attemptsLabelPrefix)
}

// ReviewAttempts reads the review-attempts:<n> label, defaulting to 0.
func (t *Task) ReviewAttempts() int {
	return labelCounter(t.Labels, reviewAttemptsLabelPrefix)
}

func labelCounter(labels []string, prefix string) int {
	for _, l := range labels {
		if strings.HasPrefix(l, prefix) {
			n, err := strconv.Atoi(strings.TrimPrefix(l, prefix))
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}

// WithCounterLabel returns labels with the single counter label for the
// given prefix replaced (or added) with n. At most one label with that
// prefix is ever kept, preserving the "single-valued" invariant.
func WithCounterLabel(labels []string, prefix string, n int) []string {
	out := make([]string, 0, len(labels)+1)
	for _, l := range labels {
		if strings.HasPrefix(l, prefix) {
			continue
		}
		out = append(out, l)
	}
	out = append(out, fmt.Sprintf("%s%d", prefix, n))
	return out
}

// WithAttempts returns labels with attempts:n set.
func WithAttempts(labels []string, n int) []string {
	return WithCounterLabel(labels, attemptsLabelPrefix, n)
}

// WithReviewAttempts returns labels with review-attempts:n set.
func WithReviewAttempts(labels []string, n int) []string {
	return WithCounterLabel(labels, reviewAttemptsLabelPrefix, n)
}

// IsAgentPlaceholder reports whether assignee is nil, empty, or a
// synthetic placeholder of the form "agent-<n>" (as opposed to a human
// assignee).
func IsAgentPlaceholder(assignee *string) bool {
	if assignee == nil || *assignee == "" {
		return true
	}
	return strings.HasPrefix(*assignee, "agent-")
}

// ResolvedComplexity returns the task's own complexity if set, otherwise
// the plan's inherited complexity, otherwise ComplexitySimple.
func ResolvedComplexity(t *Task, p *Plan) Complexity {
	if t.Complexity != nil {
		return *t.Complexity
	}
	if p != nil && p.ComplexityEstimate != nil {
		return *p.ComplexityEstimate
	}
	return ComplexitySimple
}

// Plan is a parent artifact owning an epic task.
type Plan struct {
	EpicTaskID         string
	Title              string
	ComplexityEstimate *Complexity
	CreatedAt          time.Time
}
