package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/claybowl/AiPex-sub000/pkg/metrics"
)

// Callbacks observe a run. Both are optional and are invoked on the
// goroutine that called Run.
type Callbacks struct {
	// OnNodeUpdate fires when a node enters running, for each progress
	// report while running, and once when it reaches a terminal status.
	OnNodeUpdate func(nodeID string, status ExecutionStatus, snapshot map[string]any)
	// OnWorkflowComplete fires exactly once per run, including after cancellation.
	OnWorkflowComplete func(ec *ExecutionContext)
}

// Engine executes workflow graphs one node at a time in dependency order.
type Engine struct {
	registry    *Registry
	logger      *zap.Logger
	metrics     *metrics.Collector
	tracer      trace.Tracer
	nodeTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l.With(zap.String("component", "workflow_engine")) }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithNodeTimeout bounds each node's execution. Zero, the default, lets a
// node run until it finishes or the run is cancelled.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.nodeTimeout = d }
}

// NewEngine creates an Engine with the given executor registry.
func NewEngine(registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		logger:   zap.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewExecutionContext starts a fresh run context. Cancelling parent cancels the run.
func (e *Engine) NewExecutionContext(parent context.Context, workflowID string, inputs map[string]any) *ExecutionContext {
	return newExecutionContext(parent, uuid.New().String(), workflowID, inputs)
}

// Run executes wf against ec and returns the per-step results. Node failures
// are recorded in ec and never stop the run; cancellation stops dispatch of
// the remaining nodes. Node status fields in wf are updated in place.
func (e *Engine) Run(ec *ExecutionContext, wf *Workflow, cb Callbacks) *ExecutionResults {
	startTime := time.Now()
	log := e.logger.With(zap.String("workflow_id", wf.ID), zap.String("run_id", ec.RunID))

	ctx, span := e.tracer.Start(ec.Context(), "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("workflow.run_id", ec.RunID),
		attribute.Int("workflow.nodes", len(wf.Nodes)),
	))
	defer span.End()

	nodeIndex := make(map[string]int, len(wf.Nodes))
	for i := range wf.Nodes {
		// First occurrence wins, matching Order.
		if _, dup := nodeIndex[wf.Nodes[i].ID]; !dup {
			nodeIndex[wf.Nodes[i].ID] = i
		}
		ec.setStatus(wf.Nodes[i].ID, StatusPending)
		wf.Nodes[i].Data.Status = StatusPending
	}

	ordered, degraded := Order(wf.Nodes, wf.Edges)
	if degraded {
		log.Warn("workflow graph has cycles or disconnected nodes, using best-effort order")
		e.metrics.RecordOrderDegraded()
	}

	steps := make([]ExecutionStep, 0, len(ordered))
	for _, node := range ordered {
		if ec.Cancelled() {
			log.Info("run cancelled, stopping dispatch", zap.String("next_node", node.ID))
			break
		}
		step := e.runNode(ctx, ec, wf, nodeIndex, node, cb, log)
		step.StepNumber = len(steps) + 1
		steps = append(steps, step)
	}

	status := RunCompleted
	switch {
	case ec.Cancelled():
		status = RunCancelled
	case ec.HasErrors():
		status = RunFailed
	}
	endTime := time.Now()
	e.metrics.RecordRun(status, endTime.Sub(startTime))
	span.SetAttributes(attribute.String("workflow.status", status))

	log.Info("workflow run finished",
		zap.String("status", status),
		zap.Int("steps", len(steps)),
		zap.Duration("duration", endTime.Sub(startTime)),
	)

	if cb.OnWorkflowComplete != nil {
		cb.OnWorkflowComplete(ec)
	}

	return &ExecutionResults{
		ExecutionID:   ec.RunID,
		WorkflowID:    wf.ID,
		Status:        status,
		StartTime:     startTime.UTC().Format(time.RFC3339),
		EndTime:       endTime.UTC().Format(time.RFC3339),
		TotalDuration: endTime.Sub(startTime).Milliseconds(),
		Steps:         steps,
		Context:       ec.Snapshot(),
	}
}

func (e *Engine) runNode(ctx context.Context, ec *ExecutionContext, wf *Workflow, nodeIndex map[string]int, node Node, cb Callbacks, log *zap.Logger) ExecutionStep {
	emit := func(status ExecutionStatus, snapshot map[string]any) {
		if cb.OnNodeUpdate != nil {
			cb.OnNodeUpdate(node.ID, status, snapshot)
		}
	}

	started := time.Now()
	ec.setStatus(node.ID, StatusRunning)
	exec := &NodeExecution{RunID: ec.RunID, Status: StatusRunning, StartedAt: started}
	e.writeBack(wf, nodeIndex, node.ID, exec)
	emit(StatusRunning, map[string]any{"startedAt": started.UTC().Format(time.RFC3339Nano)})

	ctx, span := e.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.type", node.Type),
	))
	defer span.End()

	err := e.execute(ctx, ec, wf, node, emit)

	finished := time.Now()
	duration := finished.Sub(started)
	outputs := ec.Outputs(node.ID)

	exec.FinishedAt = finished
	exec.DurationMs = duration.Milliseconds()
	exec.Outputs = outputs

	step := ExecutionStep{
		NodeID:    node.ID,
		NodeType:  node.Type,
		Label:     node.Data.Label,
		Duration:  duration.Milliseconds(),
		Output:    outputs,
		Timestamp: finished.UTC().Format(time.RFC3339),
	}

	if err != nil {
		ec.setError(node.ID, err)
		ec.setStatus(node.ID, StatusError)
		exec.Status = StatusError
		exec.Error = err.Error()
		step.Status = StatusError
		step.Error = err.Error()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		level := log.Warn
		if errors.Is(err, context.Canceled) {
			level = log.Info
		}
		level("node failed",
			zap.String("node_id", node.ID),
			zap.String("node_type", node.Type),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	} else {
		ec.setStatus(node.ID, StatusCompleted)
		exec.Status = StatusCompleted
		step.Status = StatusCompleted
		log.Debug("node completed",
			zap.String("node_id", node.ID),
			zap.String("node_type", node.Type),
			zap.Duration("duration", duration),
		)
	}

	e.writeBack(wf, nodeIndex, node.ID, exec)
	e.metrics.RecordNode(node.Type, string(step.Status), duration)

	snapshot := map[string]any{
		"outputs":    outputs,
		"durationMs": duration.Milliseconds(),
	}
	if err != nil {
		snapshot["error"] = err.Error()
	}
	emit(step.Status, snapshot)
	return step
}

// execute resolves the executor, assembles inputs and invokes it. Executors
// may only report running progress; the terminal update is emitted by runNode.
func (e *Engine) execute(ctx context.Context, ec *ExecutionContext, wf *Workflow, node Node, emit func(ExecutionStatus, map[string]any)) (err error) {
	exec, ok := e.registry.Lookup(node.Type)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNodeType, node.Type)
	}

	inputs := assembleInputs(ec, wf, node.ID)

	if e.nodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.nodeTimeout)
		defer cancel()
	}

	onUpdate := func(nodeID string, status ExecutionStatus, snapshot map[string]any) {
		if nodeID == node.ID && status == StatusRunning {
			emit(StatusRunning, snapshot)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fail(ec, node.ID, fmt.Errorf("executor panic: %v", r))
		}
	}()
	return exec.Execute(ctx, node, inputs, ec, onUpdate)
}

// assembleInputs seeds one value per incoming edge, keyed by the edge's
// target handle and read from the source's named port (both default to
// "default"), then overlays the run-global inputs, which win on conflict.
// A source that produced nothing on the port contributes nil.
func assembleInputs(ec *ExecutionContext, wf *Workflow, nodeID string) map[string]any {
	known := make(map[string]struct{}, len(wf.Nodes))
	for _, n := range wf.Nodes {
		known[n.ID] = struct{}{}
	}

	inputs := make(map[string]any)
	for _, edge := range wf.Edges {
		if edge.Target != nodeID {
			continue
		}
		if _, ok := known[edge.Source]; !ok {
			continue
		}
		port := firstNonEmpty(edge.SourceHandle, DefaultPort)
		key := firstNonEmpty(edge.TargetHandle, DefaultPort)
		v, _ := ec.Output(edge.Source, port)
		inputs[key] = v
	}
	for k, v := range ec.Inputs {
		inputs[k] = v
	}
	return inputs
}

func (e *Engine) writeBack(wf *Workflow, nodeIndex map[string]int, nodeID string, exec *NodeExecution) {
	i, ok := nodeIndex[nodeID]
	if !ok {
		return
	}
	snapshot := *exec
	wf.Nodes[i].Data.Status = exec.Status
	wf.Nodes[i].Data.LastExecution = &snapshot
}
