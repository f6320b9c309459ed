package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryRepository keeps workflows and executions in process memory. It is
// used when no database is configured and starts with the sample workflow.
type MemoryRepository struct {
	mu         sync.RWMutex
	workflows  map[string][]byte
	executions []ExecutionResults
}

func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{workflows: make(map[string][]byte)}
	now := time.Now().UTC()
	// The sample is static and always encodes.
	_ = r.Put(&Workflow{
		ID: sampleWorkflowID, Name: "Ask the Model",
		Nodes: sampleNodes, Edges: sampleEdges,
		CreatedAt: now, UpdatedAt: now,
	})
	return r
}

// Put stores a workflow, replacing any with the same ID.
func (r *MemoryRepository) Put(wf *Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.ID] = data
	return nil
}

// Get returns a fresh copy of the stored workflow, or nil, nil if unknown.
func (r *MemoryRepository) Get(_ context.Context, id string) (*Workflow, error) {
	r.mu.RLock()
	data, ok := r.workflows[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

func (r *MemoryRepository) SaveExecution(_ context.Context, res *ExecutionResults) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.executions {
		if r.executions[i].ExecutionID == res.ExecutionID {
			r.executions[i] = *res
			return nil
		}
	}
	r.executions = append(r.executions, *res)
	return nil
}

// ListExecutions returns a workflow's executions, newest first.
func (r *MemoryRepository) ListExecutions(_ context.Context, workflowID string, limit int) ([]ExecutionResults, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ExecutionResults
	for i := len(r.executions) - 1; i >= 0 && len(out) < limit; i-- {
		if r.executions[i].WorkflowID == workflowID {
			out = append(out, r.executions[i])
		}
	}
	return out, nil
}
