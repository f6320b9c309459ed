package workflow

import "time"

// Workflow represents a persisted workflow definition with its graph of nodes and edges.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Node represents a single step in a workflow graph.
type Node struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

// Position holds x/y coordinates for rendering the node on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData holds the display data and the type-specific configuration of a node.
// Status and LastExecution are written by the Engine during a run.
type NodeData struct {
	Label         string          `json:"label"`
	Description   string          `json:"description,omitempty"`
	Config        map[string]any  `json:"config,omitempty"`
	Status        ExecutionStatus `json:"status,omitempty"`
	LastExecution *NodeExecution  `json:"lastExecution,omitempty"`
}

// NodeExecution is the observability snapshot of a node's most recent run.
type NodeExecution struct {
	RunID      string          `json:"runId"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	DurationMs int64           `json:"durationMs"`
	Outputs    map[string]any  `json:"outputs,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Edge represents a directed connection from one node's output port to another node's input port.
type Edge struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	Target       string         `json:"target"`
	Label        string         `json:"label,omitempty"`
	Type         string         `json:"type,omitempty"`
	SourceHandle string         `json:"sourceHandle,omitempty"`
	TargetHandle string         `json:"targetHandle,omitempty"`
	Animated     bool           `json:"animated,omitempty"`
	Style        map[string]any `json:"style,omitempty"`
	LabelStyle   map[string]any `json:"labelStyle,omitempty"`
}

// ExecuteRequest is the JSON body sent by the frontend to execute a workflow.
type ExecuteRequest struct {
	Inputs map[string]any `json:"inputs"`
	// APIKey overrides the server's LLM credentials for this run only.
	APIKey string `json:"apiKey,omitempty"`
}

// Run-level outcomes reported in ExecutionResults.Status.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// ExecutionResults is the top-level response returned after executing a workflow.
type ExecutionResults struct {
	ExecutionID   string            `json:"executionId"`
	WorkflowID    string            `json:"workflowId"`
	Status        string            `json:"status"`
	StartTime     string            `json:"startTime"`
	EndTime       string            `json:"endTime"`
	TotalDuration int64             `json:"totalDuration"`
	Steps         []ExecutionStep   `json:"steps"`
	Context       ExecutionSnapshot `json:"context"`
}

// ExecutionStep represents the result of executing a single node.
type ExecutionStep struct {
	StepNumber int             `json:"stepNumber"`
	NodeID     string          `json:"nodeId"`
	NodeType   string          `json:"nodeType"`
	Label      string          `json:"label"`
	Status     ExecutionStatus `json:"status"`
	Duration   int64           `json:"duration"`
	Output     map[string]any  `json:"output"`
	Timestamp  string          `json:"timestamp"`
	Error      string          `json:"error,omitempty"`
}
