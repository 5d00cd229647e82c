package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
	"github.com/specialistvlad/buildgridgo/internal/depgraph"
	"github.com/specialistvlad/buildgridgo/internal/event"
	"github.com/specialistvlad/buildgridgo/internal/run"
	"github.com/specialistvlad/buildgridgo/internal/scheduler"
	"github.com/specialistvlad/buildgridgo/internal/trigger"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.engine.Graph() == nil {
		respondError(w, http.StatusServiceUnavailable, "no configuration loaded")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.engine.Runs()
	if status := r.URL.Query().Get("status"); status != "" {
		runs = slices.DeleteFunc(runs, func(x *run.Run) bool { return string(x.Status) != status })
	}
	if bt := r.URL.Query().Get("build_type"); bt != "" {
		runs = slices.DeleteFunc(runs, func(x *run.Run) bool { return x.BuildTypeID != bt })
	}
	respondJSON(w, map[string]any{"runs": runs}, http.StatusOK)
}

type createRunRequest struct {
	BuildTypeID string            `json:"build_type_id"`
	Branch      string            `json:"branch"`
	Params      map[string]string `json:"params"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var payload createRunRequest
	if !decode(w, r, &payload) {
		return
	}
	if payload.BuildTypeID == "" {
		respondError(w, http.StatusBadRequest, "build_type_id is required")
		return
	}

	created, err := s.engine.Enqueue(r.Context(), run.Request{
		BuildTypeID: payload.BuildTypeID,
		Branch:      payload.Branch,
		Cause:       "requested over HTTP",
		Params:      payload.Params,
	})
	if err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondJSON(w, map[string]any{"run": created}, http.StatusAccepted)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	found, err := s.engine.Get(r.Context(), id)
	if err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondJSON(w, map[string]any{"run": found}, http.StatusOK)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	canceled, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		respondSchedulerError(w, err)
		return
	}
	ctxlog.FromContext(r.Context()).Info("Run canceled over HTTP.", "run_id", id)
	respondJSON(w, map[string]any{"run": canceled}, http.StatusOK)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	files, err := s.engine.Artifacts().List(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if files == nil {
		files = []string{}
	}
	respondJSON(w, map[string]any{"run_id": id, "artifacts": files}, http.StatusOK)
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "*")
	f, err := s.engine.Artifacts().Open(id, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			respondError(w, http.StatusNotFound, "artifact not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		respondError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	if _, err := io.Copy(w, f); err != nil {
		ctxlog.FromContext(r.Context()).Warn("Artifact download interrupted.", "run_id", id, "artifact", name, "error", err)
	}
}

func (s *Server) handleVcsEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.VcsCommit
	if !decode(w, r, &ev) {
		return
	}
	if ev.Branch == "" {
		respondError(w, http.StatusBadRequest, "branch is required")
		return
	}
	event.Ensure(&ev.Meta)
	s.respondQueued(w, ev.DeliveryID(), s.engine.Handle(r.Context(), ev))
}

type scheduleRequest struct {
	event.Meta
	Time *time.Time `json:"time"`
}

func (s *Server) handleScheduleEvent(w http.ResponseWriter, r *http.Request) {
	var payload scheduleRequest
	if !decode(w, r, &payload) {
		return
	}
	ev := event.ScheduleTick{Meta: payload.Meta, Time: s.now()}
	if payload.Time != nil {
		ev.Time = *payload.Time
	}
	event.Ensure(&ev.Meta)
	s.respondQueued(w, ev.DeliveryID(), s.engine.Handle(r.Context(), ev))
}

type queuedRun struct {
	BuildTypeID string `json:"build_type_id"`
	Branch      string `json:"branch"`
	Trigger     string `json:"trigger"`
	RunID       int64  `json:"run_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) respondQueued(w http.ResponseWriter, deliveryID string, queued []trigger.QueuedRun) {
	out := make([]queuedRun, 0, len(queued))
	for _, q := range queued {
		item := queuedRun{BuildTypeID: q.BuildTypeID, Branch: q.Branch, Trigger: q.TriggerID, RunID: q.RunID}
		if q.Err != nil {
			item.Error = q.Err.Error()
		}
		out = append(out, item)
	}
	respondJSON(w, map[string]any{"delivery_id": deliveryID, "queued": out}, http.StatusAccepted)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"agents": s.engine.Agents()}, http.StatusOK)
}

type agentRequest struct {
	Name         string            `json:"name"`
	Capabilities map[string]string `json:"capabilities"`
	Enabled      *bool             `json:"enabled"`
}

func (s *Server) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	var payload agentRequest
	if !decode(w, r, &payload) {
		return
	}
	s.engine.Handle(r.Context(), event.AgentStateChanged{
		Meta:         event.NewMeta(),
		AgentID:      chi.URLParam(r, "agentID"),
		Name:         payload.Name,
		Capabilities: payload.Capabilities,
		Enabled:      payload.Enabled == nil || *payload.Enabled,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	s.engine.Handle(r.Context(), event.AgentStateChanged{
		Meta:    event.NewMeta(),
		AgentID: chi.URLParam(r, "agentID"),
		Removed: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

type graphNode struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	DefaultBranch string   `json:"default_branch"`
	Upstreams     []string `json:"upstreams,omitempty"`
	Downstreams   []string `json:"downstreams,omitempty"`
	Triggers      int      `json:"triggers"`
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	g := s.engine.Graph()
	if g == nil {
		respondError(w, http.StatusServiceUnavailable, "no configuration loaded")
		return
	}
	respondJSON(w, graphView(g), http.StatusOK)
}

func graphView(g *depgraph.Graph) map[string]any {
	nodes := make([]graphNode, 0, len(g.Nodes()))
	for _, n := range g.Nodes() {
		gn := graphNode{
			ID:            n.ID(),
			Kind:          string(n.BuildType.Kind),
			DefaultBranch: n.DefaultBranch,
			Triggers:      len(n.Triggers),
		}
		for _, e := range n.Predecessors {
			gn.Upstreams = append(gn.Upstreams, e.Upstream)
		}
		for _, e := range n.Successors {
			gn.Downstreams = append(gn.Downstreams, e.Downstream)
		}
		nodes = append(nodes, gn)
	}
	return map[string]any{"version": g.Version(), "build_types": nodes}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.Reload(r.Context())
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, map[string]any{"version": g.Version()}, http.StatusOK)
}

func runID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func respondSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrRunNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrUnknownBuildType):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrRunFinished):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNoGraph), errors.Is(err, scheduler.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
