// Package httpapi exposes the Orchestrator's thin public surface
// (status/live-output/cancel/stop/nudge) over plain JSON HTTP, the way
// a TUI or external caller polls a running opensprint-orchestrator
// process without a shared Go process boundary.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"opensprint/internal/runner"
)

// Orchestrator is the subset of *orchestrator.Orchestrator this package
// depends on, kept narrow so handlers are trivially testable with a
// fake.
type Orchestrator interface {
	GetStatus(ctx context.Context, projectID string) runner.StatusSnapshot
	GetLiveOutput(projectID, taskID string) []byte
	Cancel(projectID, taskID string) bool
	StopProject(projectID string)
	Nudge(projectID string)
}

// NewHandler builds the routes a status dashboard or CLI polls.
func NewHandler(orch Orchestrator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		snap := orch.GetStatus(r.Context(), r.PathValue("id"))
		writeJSON(w, snap)
	})
	mux.HandleFunc("GET /projects/{id}/tasks/{taskId}/output", func(w http.ResponseWriter, r *http.Request) {
		out := orch.GetLiveOutput(r.PathValue("id"), r.PathValue("taskId"))
		if out == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(out)
	})
	mux.HandleFunc("POST /projects/{id}/tasks/{taskId}/cancel", func(w http.ResponseWriter, r *http.Request) {
		ok := orch.Cancel(r.PathValue("id"), r.PathValue("taskId"))
		writeJSON(w, map[string]bool{"cancelled": ok})
	})
	mux.HandleFunc("POST /projects/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		orch.StopProject(r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /projects/{id}/nudge", func(w http.ResponseWriter, r *http.Request) {
		orch.Nudge(r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
