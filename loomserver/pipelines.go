package loomserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"tangled.sh/tangled.sh/loom/db"
	"tangled.sh/tangled.sh/loom/engine"
	"tangled.sh/tangled.sh/loom/queue"
	"tangled.sh/tangled.sh/loom/workflow"
)

// SubmitRequest is the trigger envelope: which event fired, and the
// pipeline definition to run for it. Project scopes which secrets the
// run may unlock.
type SubmitRequest struct {
	Name         string           `json:"name"`
	Project      string           `json:"project"`
	Trigger      workflow.Trigger `json:"trigger"`
	Definition   string           `json:"definition"`
	PairVariants bool             `json:"pair_variants"`
}

type SubmitResponse struct {
	ID       string   `json:"id"`
	Jobs     []string `json:"jobs"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Server) SubmitRun(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "SubmitRun")

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = "pipeline.yml"
	}
	if !workflow.KnownTriggerKind(req.Trigger.Kind) {
		writeError(w, fmt.Sprintf("unknown trigger kind %q", req.Trigger.Kind), http.StatusBadRequest)
		return
	}

	def, err := workflow.FromFile(req.Name, []byte(req.Definition))
	if err != nil {
		writeError(w, fmt.Sprintf("parsing definition: %v", err), http.StatusBadRequest)
		return
	}

	diags := def.Validate()
	if diags.IsErr() {
		msgs := make([]string, 0, len(diags.Errors))
		for _, e := range diags.Errors {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Path, e.Error))
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": msgs})
		return
	}

	graph, err := engine.BuildGraph(def, req.Trigger, engine.BuildOptions{PairVariants: req.PairVariants})
	if err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	id := uuid.NewString()
	if err := s.db.CreateRun(id, def.Name, req.Project, req.Trigger, s.n); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.db.CreateJobs(id, graph.Jobs, s.n); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.db.CreateStatusEvent(id, "", engine.StatusPending, "", s.n); err != nil {
		l.Error("failed to record status event", "run", id, "err", err)
	}

	ok := s.jq.Enqueue(queue.Job{
		Run: func() error {
			s.execute(id, req.Project, graph)
			return nil
		},
		OnFail: func(jobError error) {
			l.Error("pipeline run failed", "error", jobError)
		},
	})
	if !ok {
		l.Error("failed to enqueue run: queue is full", "id", id)
		if err := s.db.MarkRunFinished(id, engine.StatusCancelled, "queue is full", s.n); err != nil {
			l.Error("failed to mark run cancelled", "id", id, "err", err)
		}
		if err := s.db.CancelPendingJobs(id, "queue is full", s.n); err != nil {
			l.Error("failed to cancel pending jobs", "id", id, "err", err)
		}
		writeError(w, "queue is full", http.StatusServiceUnavailable)
		return
	}
	l.Info("run enqueued successfully", "id", id)

	jobs := make([]string, 0, len(graph.Jobs))
	for _, job := range graph.Jobs {
		jobs = append(jobs, job.Key())
	}
	warnings := make([]string, 0, len(diags.Warnings))
	for _, warn := range diags.Warnings {
		warnings = append(warnings, fmt.Sprintf("%s: %s", warn.Path, warn.Reason))
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id, Jobs: jobs, Warnings: warnings})
}

func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	var cursor int64
	if c := r.URL.Query().Get("cursor"); c != "" {
		parsed, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			writeError(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}

	runs, err := s.db.GetRuns(cursor)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := map[string]any{"runs": runs}
	if len(runs) > 0 {
		resp["cursor"] = runs[len(runs)-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

// RunDetail is one run with its job table.
type RunDetail struct {
	db.Run
	Jobs []db.JobRow `json:"jobs"`
}

func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.db.GetRun(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, "no such run", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jobs, err := s.db.GetJobs(id)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, RunDetail{Run: run, Jobs: jobs})
}

func (s *Server) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l := s.l.With("handler", "CancelRun", "run", id)

	s.mu.Lock()
	sched, running := s.live[id]
	s.mu.Unlock()
	if running {
		sched.Cancel()
		l.Info("cancellation requested")
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
		return
	}

	// not in flight: either already terminal, or still sitting in the
	// queue
	run, err := s.db.GetRun(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, "no such run", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run.Status.Terminal() {
		writeError(w, fmt.Sprintf("run already %s", run.Status), http.StatusConflict)
		return
	}

	const detail = "cancelled before start"
	if err := s.db.MarkRunFinished(id, engine.StatusCancelled, detail, s.n); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.db.CancelPendingJobs(id, detail, s.n); err != nil {
		l.Error("failed to cancel pending jobs", "err", err)
	}
	if err := s.db.CreateStatusEvent(id, "", engine.StatusCancelled, detail, s.n); err != nil {
		l.Error("failed to record status event", "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
}

func (s *Server) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": s.store.List(id)})
}

func (s *Server) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rel := chi.URLParam(r, "*")

	f, err := s.store.Open(id, rel)
	if err != nil {
		writeError(w, "no such artifact", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, "no such artifact", http.StatusNotFound)
		return
	}

	http.ServeContent(w, r, filepath.Base(f.Name()), info.ModTime(), f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
