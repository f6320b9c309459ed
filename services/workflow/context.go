package workflow

import (
	"context"
	"sync"
	"time"
)

// ExecutionStatus is the per-node state: pending, then running, then exactly
// one of completed or error.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusError     ExecutionStatus = "error"
)

// Terminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// DefaultPort is the output port every executor writes its natural result to.
const DefaultPort = "default"

// Metadata keys maintained on every run.
const (
	MetaWorkflowID     = "workflowId"
	MetaRunID          = "runId"
	MetaAPIKey         = "apiKey"
	MetaTotalTokens    = "totalTokens"
	MetaTotalCost      = "totalCost"
	MetaTotalLatencyMs = "totalLatencyMs"
)

// ExecutionContext is the state shared by every node of one run. It is
// created by Engine.NewExecutionContext and discarded when the run ends.
// Cancel is safe to call from any goroutine.
type ExecutionContext struct {
	RunID      string
	WorkflowID string
	// Inputs are the run-global values overlaid on every node's inputs.
	Inputs map[string]any

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	nodeOutputs map[string]map[string]any
	status      map[string]ExecutionStatus
	errors      map[string]error
	metadata    map[string]any
}

func newExecutionContext(parent context.Context, runID, workflowID string, inputs map[string]any) *ExecutionContext {
	if inputs == nil {
		inputs = map[string]any{}
	}
	ctx, cancel := context.WithCancel(parent)
	return &ExecutionContext{
		RunID:       runID,
		WorkflowID:  workflowID,
		Inputs:      inputs,
		ctx:         ctx,
		cancel:      cancel,
		nodeOutputs: make(map[string]map[string]any),
		status:      make(map[string]ExecutionStatus),
		errors:      make(map[string]error),
		metadata: map[string]any{
			MetaWorkflowID:     workflowID,
			MetaRunID:          runID,
			MetaTotalTokens:    0,
			MetaTotalCost:      0.0,
			MetaTotalLatencyMs: int64(0),
		},
	}
}

// Context is the cancellation context every outbound call must use.
func (ec *ExecutionContext) Context() context.Context { return ec.ctx }

// Cancel signals cancellation. Nodes not yet dispatched will not run.
func (ec *ExecutionContext) Cancel() { ec.cancel() }

// Cancelled reports whether Cancel was called or the parent context ended.
func (ec *ExecutionContext) Cancelled() bool { return ec.ctx.Err() != nil }

// SetOutput records value on a node's output port.
func (ec *ExecutionContext) SetOutput(nodeID, port string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ports, ok := ec.nodeOutputs[nodeID]
	if !ok {
		ports = make(map[string]any)
		ec.nodeOutputs[nodeID] = ports
	}
	ports[port] = value
}

// Output returns the value on a node's output port.
func (ec *ExecutionContext) Output(nodeID, port string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.nodeOutputs[nodeID][port]
	return v, ok
}

// Outputs returns a copy of all ports written by a node.
func (ec *ExecutionContext) Outputs(nodeID string) map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return copyMap(ec.nodeOutputs[nodeID])
}

func (ec *ExecutionContext) setStatus(nodeID string, s ExecutionStatus) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.status[nodeID] = s
}

// Status returns a node's status, or "" if the node is not part of the run.
func (ec *ExecutionContext) Status(nodeID string) ExecutionStatus {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.status[nodeID]
}

func (ec *ExecutionContext) setError(nodeID string, err error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.errors[nodeID] = err
}

// Err returns the failure captured for a node.
func (ec *ExecutionContext) Err(nodeID string) error {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.errors[nodeID]
}

// HasErrors reports whether any node failed.
func (ec *ExecutionContext) HasErrors() bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return len(ec.errors) > 0
}

// SetMetadata stores a cross-cutting value such as credentials.
func (ec *ExecutionContext) SetMetadata(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.metadata[key] = value
}

// Metadata returns a metadata value.
func (ec *ExecutionContext) Metadata(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.metadata[key]
	return v, ok
}

// AddUsage accumulates the cost of an outbound model call.
func (ec *ExecutionContext) AddUsage(tokens int, cost float64, latency time.Duration) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	t, _ := ec.metadata[MetaTotalTokens].(int)
	c, _ := ec.metadata[MetaTotalCost].(float64)
	l, _ := ec.metadata[MetaTotalLatencyMs].(int64)
	ec.metadata[MetaTotalTokens] = t + tokens
	ec.metadata[MetaTotalCost] = c + cost
	ec.metadata[MetaTotalLatencyMs] = l + latency.Milliseconds()
}

// ExecutionSnapshot is a JSON-safe copy of an ExecutionContext. Credentials
// are never included.
type ExecutionSnapshot struct {
	RunID       string                     `json:"runId"`
	WorkflowID  string                     `json:"workflowId"`
	Inputs      map[string]any             `json:"inputs"`
	NodeOutputs map[string]map[string]any  `json:"nodeOutputs"`
	Status      map[string]ExecutionStatus `json:"status"`
	Errors      map[string]string          `json:"errors"`
	Metadata    map[string]any             `json:"metadata"`
	Cancelled   bool                       `json:"cancelled"`
}

// Snapshot copies the current state.
func (ec *ExecutionContext) Snapshot() ExecutionSnapshot {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	snap := ExecutionSnapshot{
		RunID:       ec.RunID,
		WorkflowID:  ec.WorkflowID,
		Inputs:      copyMap(ec.Inputs),
		NodeOutputs: make(map[string]map[string]any, len(ec.nodeOutputs)),
		Status:      make(map[string]ExecutionStatus, len(ec.status)),
		Errors:      make(map[string]string, len(ec.errors)),
		Metadata:    make(map[string]any, len(ec.metadata)),
		Cancelled:   ec.ctx.Err() != nil,
	}
	for id, ports := range ec.nodeOutputs {
		snap.NodeOutputs[id] = copyMap(ports)
	}
	for id, s := range ec.status {
		snap.Status[id] = s
	}
	for id, err := range ec.errors {
		snap.Errors[id] = err.Error()
	}
	for k, v := range ec.metadata {
		if k == MetaAPIKey {
			continue
		}
		snap.Metadata[k] = v
	}
	return snap
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
