package chain

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/claybowl/AiPex-sub000/pkg/llm"
	"github.com/claybowl/AiPex-sub000/services/workflow"
)

// ExecuteRequest is the body of POST /chains/execute.
type ExecuteRequest struct {
	Nodes  []workflow.Node `json:"nodes"`
	Input  map[string]any  `json:"input"`
	APIKey string          `json:"apiKey,omitempty"`
}

// Service exposes the chain executor over HTTP.
type Service struct {
	executor *Executor
	logger   *zap.Logger
}

func NewService(executor *Executor, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{executor: executor, logger: logger.With(zap.String("component", "chain_service"))}
}

// LoadRoutes registers the chain handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/chains").Subrouter()
	router.HandleFunc("/execute", s.HandleExecuteChain).Methods("POST")
}

// HandleExecuteChain runs a chain synchronously. A failed chain is still a
// 200 response; the result's status and error describe the failure.
func (s *Service) HandleExecuteChain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Nodes) == 0 {
		writeError(w, http.StatusBadRequest, "nodes is required")
		return
	}
	if req.APIKey != "" && strings.TrimSpace(req.APIKey) == "" {
		writeError(w, http.StatusBadRequest, "apiKey is invalid")
		return
	}

	ctx := r.Context()
	if req.APIKey != "" {
		ctx = llm.WithAPIKey(ctx, req.APIKey)
	}

	s.logger.Debug("executing chain", zap.Int("nodes", len(req.Nodes)))
	res := s.executor.Execute(ctx, req.Nodes, req.Input)

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(res)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}
