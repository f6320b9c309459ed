package workflow

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandleGetWorkflow loads a workflow definition from the database and returns it as JSON.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.logger.Debug("getting workflow", zap.String("id", id))

	wf, ok := s.loadWorkflow(w, r, id)
	if !ok {
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

// HandleExecuteWorkflow runs the workflow synchronously and returns step-by-step results.
func (s *Service) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.logger.Debug("executing workflow", zap.String("id", id))

	req, ok := decodeExecuteRequest(w, r)
	if !ok {
		return
	}
	wf, ok := s.loadWorkflow(w, r, id)
	if !ok {
		return
	}

	ec := s.startRun(r.Context(), wf, req)
	results := s.run(ec, wf, nil)

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(results)
}

// HandleStreamWorkflow runs the workflow and streams node updates as
// server-sent events: one "run" event carrying the run ID, a "node" event
// per update, and a final "complete" event with the results. Closing the
// connection cancels the run.
func (s *Service) HandleStreamWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	req, ok := decodeExecuteRequest(w, r)
	if !ok {
		return
	}
	wf, ok := s.loadWorkflow(w, r, id)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("failed to encode event", zap.String("event", event), zap.Error(err))
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	ec := s.startRun(r.Context(), wf, req)
	send("run", map[string]string{"runId": ec.RunID, "workflowId": wf.ID})

	results := s.run(ec, wf, func(ev NodeEvent) { send("node", ev) })
	send("complete", results)
}

// HandleCancelExecution signals cancellation of an in-flight run.
func (s *Service) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	if !s.cancel(runID) {
		writeError(w, http.StatusNotFound, "run not found or already finished")
		return
	}
	s.logger.Info("run cancellation requested", zap.String("run_id", runID))

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"runId": runID, "status": "cancelling"})
}

// HandleGetExecution returns the stored record of a run.
func (s *Service) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]

	rec, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		s.logger.Error("failed to get run", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(rec)
}

// HandleListExecutions returns recent persisted executions of a workflow.
func (s *Service) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.recorder == nil {
		writeError(w, http.StatusNotImplemented, "execution history is not configured")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, errInvalid("limit").Error())
			return
		}
		limit = n
	}

	list, err := s.recorder.ListExecutions(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to list executions", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if list == nil {
		list = []ExecutionResults{}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(list)
}

func (s *Service) loadWorkflow(w http.ResponseWriter, r *http.Request, id string) (*Workflow, bool) {
	wf, err := s.repo.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get workflow", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return nil, false
	}
	return wf, true
}

func decodeExecuteRequest(w http.ResponseWriter, r *http.Request) (ExecuteRequest, bool) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if err := validateExecuteRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func validateExecuteRequest(req ExecuteRequest) error {
	if req.Inputs == nil {
		return errMissing("inputs")
	}
	for k := range req.Inputs {
		if strings.TrimSpace(k) == "" {
			return errInvalid("inputs")
		}
	}
	if req.APIKey != "" && strings.TrimSpace(req.APIKey) == "" {
		return errInvalid("apiKey")
	}
	return nil
}

type validationError struct {
	field string
	kind  string
}

func (e *validationError) Error() string {
	if e.kind == "missing" {
		return e.field + " is required"
	}
	return e.field + " is invalid"
}

func errMissing(field string) error { return &validationError{field: field, kind: "missing"} }
func errInvalid(field string) error { return &validationError{field: field, kind: "invalid"} }
