// Package api exposes read-only views of runs, contents, and evidence over
// HTTP and MCP. Neither surface can start or mutate a run; the CLI is the
// only writer.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"attest/internal/catalog"
	"attest/internal/event"
	"attest/internal/eventlog"
	"attest/internal/evidence"
)

// AppDeps holds everything the HTTP handlers read from.
type AppDeps struct {
	RunsDir string
	Catalog *catalog.Catalog
	// Token enables bearer auth when non-empty.
	Token string
}

// NewAppHandler builds the HTTP API router.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	if deps.Token != "" {
		r.Use(BearerAuth(deps.Token))
	}

	r.Get("/health", handleHealth)
	r.Get("/runs", handleListRuns(deps))
	r.Get("/runs/{id}", handleGetRun(deps))
	r.Get("/contents", handleListContents(deps))
	r.Get("/contents/{id}", handleGetContent(deps))
	r.Get("/contents/{id}/evidence", handleListEvidence(deps))
	r.Post("/contents/{id}/validate", handleValidate(deps))

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runSummary struct {
	ID             string `json:"id"`
	Pipeline       string `json:"pipeline"`
	Input          string `json:"input,omitempty"`
	State          string `json:"state"`
	Error          string `json:"error,omitempty"`
	StartedAt      string `json:"started_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
	StepsCompleted int    `json:"steps_completed"`
	StepsTotal     int    `json:"steps_total"`
}

func handleListRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		ids, err := eventlog.ListRuns(deps.RunsDir)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing runs: %v", err)
			return
		}

		summaries := make([]runSummary, 0, len(ids))
		for _, id := range ids {
			run, err := eventlog.ReplayRun(deps.RunsDir, id)
			if err != nil {
				continue
			}
			summaries = append(summaries, summarize(run))
		}
		// Most recent first.
		for i, j := 0, len(summaries)-1; i < j; i, j = i+1, j-1 {
			summaries[i], summaries[j] = summaries[j], summaries[i]
		}
		if len(summaries) > limit {
			summaries = summaries[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": summaries})
	}
}

func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		run, err := eventlog.ReplayRun(deps.RunsDir, id)
		if err != nil {
			if errors.Is(err, eventlog.ErrRunNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "run %s not found", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "replaying run: %v", err)
			return
		}

		steps := make([]map[string]string, 0, len(run.StepOrder))
		for _, name := range run.StepOrder {
			steps = append(steps, map[string]string{
				"name":   name,
				"status": string(run.StepStatuses[name]),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"run":   summarize(run),
			"steps": steps,
		})
	}
}

func handleListContents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Catalog.List(100)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing contents: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"contents": entries})
	}
}

func handleGetContent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		entry, dir, ok, err := deps.Catalog.Lookup(id)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "content %s not found", id)
			return
		}
		meta, err := catalog.LoadMetadata(dir)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading metadata: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"content": entry, "metadata": meta})
	}
}

func handleListEvidence(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		_, dir, ok, err := deps.Catalog.Lookup(id)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "content %s not found", id)
			return
		}
		records, err := evidence.OpenLog(dir).Load()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading evidence: %v", err)
			return
		}
		if records == nil {
			records = []evidence.Evidence{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"evidence": records})
	}
}

func handleValidate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		entry, dir, ok, err := deps.Catalog.Lookup(id)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "content %s not found", id)
			return
		}
		meta, err := catalog.LoadMetadata(dir)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading metadata: %v", err)
			return
		}
		report, err := evidence.Validate(dir, string(entry.ID), meta.ArtifactDigests)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "validating: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func summarize(run *event.Run) runSummary {
	s := runSummary{
		ID:             run.ID,
		Pipeline:       run.Pipeline,
		Input:          run.Input,
		State:          string(run.State),
		Error:          run.Error,
		StartedAt:      run.StartedAt.Format(time.RFC3339),
		StepsCompleted: run.CompletedSteps,
		StepsTotal:     len(run.StepOrder),
	}
	if !run.CompletedAt.IsZero() {
		s.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
