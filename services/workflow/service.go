package workflow

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// WorkflowRepo abstracts workflow persistence for testability.
type WorkflowRepo interface {
	Get(ctx context.Context, id string) (*Workflow, error)
}

// ExecutionRecorder persists finished runs. *Repository implements it.
type ExecutionRecorder interface {
	SaveExecution(ctx context.Context, res *ExecutionResults) error
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]ExecutionResults, error)
}

// Service wires together the repository, run store and execution engine for the workflow domain.
type Service struct {
	repo     WorkflowRepo
	recorder ExecutionRecorder
	engine   *Engine
	runs     RunStore
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]*ExecutionContext
}

// NewService creates a Service. When repo also implements ExecutionRecorder
// finished runs are persisted through it. A nil runs store keeps run records
// in memory.
func NewService(repo WorkflowRepo, engine *Engine, runs RunStore, logger *zap.Logger) *Service {
	if runs == nil {
		runs = NewMemoryRunStore(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:   repo,
		engine: engine,
		runs:   runs,
		logger: logger.With(zap.String("component", "workflow_service")),
		active: make(map[string]*ExecutionContext),
	}
	if rec, ok := repo.(ExecutionRecorder); ok {
		s.recorder = rec
	}
	return s
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers workflow and execution HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/workflows").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	router.HandleFunc("/{id}/execute", s.HandleExecuteWorkflow).Methods("POST")
	router.HandleFunc("/{id}/execute/stream", s.HandleStreamWorkflow).Methods("POST")
	router.HandleFunc("/{id}/executions", s.HandleListExecutions).Methods("GET")

	executions := parentRouter.PathPrefix("/executions").Subrouter()
	executions.Use(jsonMiddleware)
	executions.HandleFunc("/{runId}", s.HandleGetExecution).Methods("GET")
	executions.HandleFunc("/{runId}/cancel", s.HandleCancelExecution).Methods("POST")
}

// startRun creates the run context and makes it cancellable by ID.
func (s *Service) startRun(ctx context.Context, wf *Workflow, req ExecuteRequest) *ExecutionContext {
	ec := s.engine.NewExecutionContext(ctx, wf.ID, req.Inputs)
	if req.APIKey != "" {
		ec.SetMetadata(MetaAPIKey, req.APIKey)
	}

	s.mu.Lock()
	s.active[ec.RunID] = ec
	s.mu.Unlock()

	if err := s.runs.Start(context.WithoutCancel(ctx), ec.RunID, wf.ID); err != nil {
		s.logger.Warn("failed to record run start", zap.String("run_id", ec.RunID), zap.Error(err))
	}
	return ec
}

// run executes a started run to completion. onEvent, when set, observes
// every node update on the calling goroutine.
func (s *Service) run(ec *ExecutionContext, wf *Workflow, onEvent func(NodeEvent)) *ExecutionResults {
	defer func() {
		s.mu.Lock()
		delete(s.active, ec.RunID)
		s.mu.Unlock()
	}()

	// Store writes must outlive a cancelled run.
	storeCtx := context.WithoutCancel(ec.Context())

	results := s.engine.Run(ec, wf, Callbacks{
		OnNodeUpdate: func(nodeID string, status ExecutionStatus, snapshot map[string]any) {
			ev := NodeEvent{NodeID: nodeID, Status: status, Snapshot: snapshot, At: time.Now().UTC()}
			if err := s.runs.AppendEvent(storeCtx, ec.RunID, ev); err != nil {
				s.logger.Warn("failed to record node event", zap.String("run_id", ec.RunID), zap.Error(err))
			}
			if onEvent != nil {
				onEvent(ev)
			}
		},
	})

	if err := s.runs.Finish(storeCtx, ec.RunID, results.Status, results.Context); err != nil {
		s.logger.Warn("failed to record run result", zap.String("run_id", ec.RunID), zap.Error(err))
	}
	if s.recorder != nil {
		if err := s.recorder.SaveExecution(storeCtx, results); err != nil {
			s.logger.Error("failed to persist execution", zap.String("run_id", ec.RunID), zap.Error(err))
		}
	}
	return results
}

// cancel signals an in-flight run. It reports false when the run is unknown
// or already finished.
func (s *Service) cancel(runID string) bool {
	s.mu.Lock()
	ec, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	ec.Cancel()
	return true
}
