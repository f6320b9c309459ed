package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/claybowl/AiPex-sub000/pkg/llm"
	"github.com/claybowl/AiPex-sub000/pkg/metrics"
)

type nodeUpdate struct {
	nodeID   string
	status   ExecutionStatus
	snapshot map[string]any
}

// recorder captures callbacks. Run invokes them on the calling goroutine.
type recorder struct {
	updates   []nodeUpdate
	completed int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnNodeUpdate: func(nodeID string, status ExecutionStatus, snapshot map[string]any) {
			r.updates = append(r.updates, nodeUpdate{nodeID, status, snapshot})
		},
		OnWorkflowComplete: func(*ExecutionContext) { r.completed++ },
	}
}

func (r *recorder) forNode(id string) []ExecutionStatus {
	var out []ExecutionStatus
	for _, u := range r.updates {
		if u.nodeID == id {
			out = append(out, u.status)
		}
	}
	return out
}

// emit returns an executor that writes value to the default port.
func emit(value any) NodeExecutor {
	return ExecutorFunc(func(_ context.Context, node Node, _ map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
		ec.SetOutput(node.ID, DefaultPort, value)
		return nil
	})
}

// capture returns an executor that stores the inputs it received.
func capture(into map[string]map[string]any) NodeExecutor {
	return ExecutorFunc(func(_ context.Context, node Node, inputs map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
		into[node.ID] = inputs
		ec.SetOutput(node.ID, DefaultPort, inputs[DefaultPort])
		return nil
	})
}

func newTestEngine(r *Registry, opts ...Option) *Engine {
	return NewEngine(r, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
}

func TestEngine_InputToLLM(t *testing.T) {
	client := &stubLLM{chunks: []llm.StreamChunk{{Model: "gpt-4o-mini", Delta: "hello "}, {Delta: "there"}}}
	registry := NewDefaultRegistry(Dependencies{LLM: client})
	engine := newTestEngine(registry)

	wf := &Workflow{
		ID: "wf-a",
		Nodes: []Node{
			nodeWith("in", "input", nil),
			nodeWith("llm", "llm", map[string]any{"prompt": "{{userInput}}"}),
		},
		Edges: []Edge{{ID: "e1", Source: "in", Target: "llm"}},
	}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, map[string]any{"userInput": "hi"})
	rec := &recorder{}

	results := engine.Run(ec, wf, rec.callbacks())

	assert.Equal(t, RunCompleted, results.Status)
	assert.Equal(t, StatusCompleted, ec.Status("in"))
	assert.Equal(t, StatusCompleted, ec.Status("llm"))

	req := client.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "hi", req.Messages[len(req.Messages)-1].Content)

	out, _ := ec.Output("llm", DefaultPort)
	assert.Equal(t, "hello there", out)

	// running, two streamed partials, completed
	assert.Equal(t, []ExecutionStatus{StatusRunning, StatusRunning, StatusRunning, StatusCompleted}, rec.forNode("llm"))
	assert.Equal(t, 1, rec.completed)
}

func TestEngine_DisconnectedNodesAllRun(t *testing.T) {
	registry := NewRegistry().Register("noop", emit("ok"))
	core, logs := observer.New(zap.WarnLevel)
	engine := NewEngine(registry, WithLogger(zap.New(core)))
	wf := &Workflow{ID: "wf-b", Nodes: []Node{
		nodeWith("A", "noop", nil),
		nodeWith("B", "noop", nil),
		nodeWith("C", "noop", nil),
	}}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, nil)

	results := engine.Run(ec, wf, Callbacks{})

	require.Len(t, results.Steps, 3)
	var ids []string
	for i, step := range results.Steps {
		ids = append(ids, step.NodeID)
		assert.Equal(t, i+1, step.StepNumber)
		assert.Equal(t, StatusCompleted, step.Status)
	}
	assert.Equal(t, []string{"A", "B", "C"}, ids)
	assert.Equal(t, RunCompleted, results.Status)
	assert.Equal(t, 1, logs.FilterMessageSnippet("best-effort order").Len())
}

func TestEngine_FailureDoesNotStopRun(t *testing.T) {
	seen := map[string]map[string]any{}
	registry := NewRegistry().
		Register("boom", ExecutorFunc(func(_ context.Context, node Node, _ map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
			return fail(ec, node.ID, errors.New("upstream exploded"))
		})).
		Register("capture", capture(seen))
	engine := newTestEngine(registry)

	wf := &Workflow{
		ID:    "wf-c",
		Nodes: []Node{nodeWith("X", "boom", nil), nodeWith("Y", "capture", nil)},
		Edges: []Edge{{ID: "e1", Source: "X", Target: "Y"}},
	}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, nil)
	rec := &recorder{}

	results := engine.Run(ec, wf, rec.callbacks())

	assert.Equal(t, StatusError, ec.Status("X"))
	assert.EqualError(t, ec.Err("X"), "upstream exploded")
	assert.Equal(t, StatusCompleted, ec.Status("Y"))

	require.Contains(t, seen, "Y")
	v, ok := seen["Y"][DefaultPort]
	assert.True(t, ok, "edge from failed node still seeds the input")
	assert.Nil(t, v)

	assert.Equal(t, RunFailed, results.Status)
	assert.Equal(t, 1, rec.completed)

	last := rec.updates[1]
	assert.Equal(t, "X", last.nodeID)
	assert.Equal(t, StatusError, last.status)
	assert.Equal(t, "upstream exploded", last.snapshot["error"])
	assert.Equal(t, "upstream exploded", results.Context.Errors["X"])
}

func TestEngine_GlobalInputsWinOverEdges(t *testing.T) {
	seen := map[string]map[string]any{}
	registry := NewRegistry().
		Register("emit", emit("from-edge")).
		Register("capture", capture(seen))
	engine := newTestEngine(registry)

	wf := &Workflow{
		ID:    "wf-merge",
		Nodes: []Node{nodeWith("src", "emit", nil), nodeWith("dst", "capture", nil)},
		Edges: []Edge{
			{ID: "e1", Source: "src", Target: "dst", TargetHandle: "q"},
			{ID: "e2", Source: "src", Target: "dst", TargetHandle: "kept"},
			{ID: "e3", Source: "ghost", Target: "dst", TargetHandle: "ghost"},
		},
	}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, map[string]any{"q": "global"})

	engine.Run(ec, wf, Callbacks{})

	assert.Equal(t, "global", seen["dst"]["q"])
	assert.Equal(t, "from-edge", seen["dst"]["kept"])
	assert.NotContains(t, seen["dst"], "ghost")
}

func TestEngine_SourceHandleSelectsPort(t *testing.T) {
	seen := map[string]map[string]any{}
	registry := NewDefaultRegistry(Dependencies{}).Register("capture", capture(seen))
	engine := newTestEngine(registry)

	wf := &Workflow{
		ID: "wf-branch",
		Nodes: []Node{
			nodeWith("cond", "condition", map[string]any{"field": "temperature", "operator": "greater_than", "value": 25}),
			nodeWith("hot", "capture", nil),
			nodeWith("cold", "capture", nil),
		},
		Edges: []Edge{
			{ID: "e1", Source: "cond", Target: "hot", SourceHandle: "true"},
			{ID: "e2", Source: "cond", Target: "cold", SourceHandle: "false"},
		},
	}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, map[string]any{"temperature": 30.0})

	engine.Run(ec, wf, Callbacks{})

	assert.Equal(t, 30.0, seen["hot"][DefaultPort])
	assert.Nil(t, seen["cold"][DefaultPort])
}

func TestEngine_CancellationStopsDispatch(t *testing.T) {
	registry := NewRegistry().
		Register("cancel", ExecutorFunc(func(_ context.Context, node Node, _ map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
			ec.SetOutput(node.ID, DefaultPort, "done")
			ec.Cancel()
			return nil
		})).
		Register("noop", emit("never"))
	engine := newTestEngine(registry)

	wf := &Workflow{
		ID:    "wf-cancel",
		Nodes: []Node{nodeWith("A", "cancel", nil), nodeWith("B", "noop", nil), nodeWith("C", "noop", nil)},
		Edges: []Edge{{ID: "e1", Source: "A", Target: "B"}, {ID: "e2", Source: "B", Target: "C"}},
	}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, nil)
	rec := &recorder{}

	results := engine.Run(ec, wf, rec.callbacks())

	assert.Equal(t, RunCancelled, results.Status)
	assert.True(t, results.Context.Cancelled)
	assert.Len(t, results.Steps, 1)
	assert.Equal(t, StatusCompleted, ec.Status("A"))
	assert.Equal(t, StatusPending, ec.Status("B"))
	assert.Equal(t, StatusPending, ec.Status("C"))
	assert.Empty(t, rec.forNode("B"))
	assert.Empty(t, rec.forNode("C"))
	assert.Equal(t, 1, rec.completed)
}

func TestEngine_ParentContextCancelled(t *testing.T) {
	engine := newTestEngine(NewRegistry().Register("noop", emit(1)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	wf := &Workflow{ID: "wf", Nodes: []Node{nodeWith("A", "noop", nil)}}
	ec := engine.NewExecutionContext(ctx, wf.ID, nil)
	rec := &recorder{}

	results := engine.Run(ec, wf, rec.callbacks())

	assert.Equal(t, RunCancelled, results.Status)
	assert.Empty(t, results.Steps)
	assert.Equal(t, StatusPending, ec.Status("A"))
	assert.Equal(t, 1, rec.completed)
}

func TestEngine_UnknownNodeType(t *testing.T) {
	engine := newTestEngine(NewRegistry().Register("noop", emit("ok")))
	wf := &Workflow{
		ID:    "wf-unknown",
		Nodes: []Node{nodeWith("A", "mystery", nil), nodeWith("B", "noop", nil)},
		Edges: []Edge{{ID: "e1", Source: "A", Target: "B"}},
	}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, nil)

	results := engine.Run(ec, wf, Callbacks{})

	assert.Equal(t, StatusError, ec.Status("A"))
	assert.ErrorIs(t, ec.Err("A"), ErrUnknownNodeType)
	assert.Equal(t, StatusCompleted, ec.Status("B"))
	assert.Equal(t, RunFailed, results.Status)
}

func TestEngine_OnlyOrchestratorEmitsTerminalUpdates(t *testing.T) {
	registry := NewRegistry().
		Register("chatty", ExecutorFunc(func(_ context.Context, node Node, _ map[string]any, ec *ExecutionContext, onUpdate UpdateFunc) error {
			onUpdate(node.ID, StatusRunning, map[string]any{"progress": 0.5})
			onUpdate(node.ID, StatusCompleted, map[string]any{"early": true})
			onUpdate("someone-else", StatusRunning, nil)
			ec.SetOutput(node.ID, DefaultPort, "ok")
			return nil
		}))
	engine := newTestEngine(registry)
	wf := &Workflow{ID: "wf", Nodes: []Node{nodeWith("A", "chatty", nil)}}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, nil)
	rec := &recorder{}

	engine.Run(ec, wf, rec.callbacks())

	require.Len(t, rec.updates, 3)
	assert.Equal(t, []ExecutionStatus{StatusRunning, StatusRunning, StatusCompleted}, rec.forNode("A"))
	assert.Equal(t, 0.5, rec.updates[1].snapshot["progress"])
	assert.Equal(t, map[string]any{"default": "ok"}, rec.updates[2].snapshot["outputs"])
}

func TestEngine_WritesBackNodeStatus(t *testing.T) {
	registry := NewRegistry().
		Register("noop", emit("ok")).
		Register("boom", ExecutorFunc(func(context.Context, Node, map[string]any, *ExecutionContext, UpdateFunc) error {
			return errors.New("nope")
		}))
	engine := newTestEngine(registry)
	wf := &Workflow{ID: "wf", Nodes: []Node{nodeWith("A", "noop", nil), nodeWith("B", "boom", nil)}}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, nil)

	engine.Run(ec, wf, Callbacks{})

	assert.Equal(t, StatusCompleted, wf.Nodes[0].Data.Status)
	require.NotNil(t, wf.Nodes[0].Data.LastExecution)
	assert.Equal(t, ec.RunID, wf.Nodes[0].Data.LastExecution.RunID)
	assert.Equal(t, map[string]any{"default": "ok"}, wf.Nodes[0].Data.LastExecution.Outputs)

	assert.Equal(t, StatusError, wf.Nodes[1].Data.Status)
	require.NotNil(t, wf.Nodes[1].Data.LastExecution)
	assert.Equal(t, "nope", wf.Nodes[1].Data.LastExecution.Error)
}

func TestEngine_DuplicateNodeIDsWriteBackToFirst(t *testing.T) {
	var labels []string
	registry := NewRegistry().Register("noop", ExecutorFunc(func(_ context.Context, node Node, _ map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
		labels = append(labels, node.Data.Label)
		ec.SetOutput(node.ID, DefaultPort, node.Data.Label)
		return nil
	}))
	engine := newTestEngine(registry)

	first := nodeWith("A", "noop", nil)
	first.Data.Label = "first"
	second := nodeWith("A", "noop", nil)
	second.Data.Label = "second"
	wf := &Workflow{
		ID:    "wf",
		Nodes: []Node{first, second, nodeWith("B", "noop", nil)},
		Edges: []Edge{{ID: "e1", Source: "A", Target: "B"}},
	}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, nil)

	engine.Run(ec, wf, Callbacks{})

	assert.Equal(t, []string{"first", "B"}, labels)
	assert.Equal(t, StatusCompleted, wf.Nodes[0].Data.Status)
	require.NotNil(t, wf.Nodes[0].Data.LastExecution)
	assert.Equal(t, map[string]any{"default": "first"}, wf.Nodes[0].Data.LastExecution.Outputs)
	assert.Equal(t, StatusPending, wf.Nodes[1].Data.Status)
	assert.Nil(t, wf.Nodes[1].Data.LastExecution)
}

func TestEngine_RecoversPanics(t *testing.T) {
	registry := NewRegistry().
		Register("panic", ExecutorFunc(func(context.Context, Node, map[string]any, *ExecutionContext, UpdateFunc) error {
			panic("bad index")
		})).
		Register("noop", emit("ok"))
	engine := newTestEngine(registry)
	wf := &Workflow{
		ID:    "wf",
		Nodes: []Node{nodeWith("A", "panic", nil), nodeWith("B", "noop", nil)},
		Edges: []Edge{{ID: "e1", Source: "A", Target: "B"}},
	}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, nil)

	engine.Run(ec, wf, Callbacks{})

	assert.Equal(t, StatusError, ec.Status("A"))
	assert.Contains(t, ec.Err("A").Error(), "bad index")
	msg, _ := ec.Output("A", "error")
	assert.Contains(t, msg, "executor panic")
	assert.Equal(t, StatusCompleted, ec.Status("B"))
}

func TestEngine_NodeTimeout(t *testing.T) {
	registry := NewRegistry().
		Register("slow", ExecutorFunc(func(ctx context.Context, node Node, _ map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
			select {
			case <-ctx.Done():
				return fail(ec, node.ID, ctx.Err())
			case <-time.After(5 * time.Second):
				return nil
			}
		})).
		Register("noop", emit("ok"))
	engine := newTestEngine(registry, WithNodeTimeout(20*time.Millisecond))
	wf := &Workflow{
		ID:    "wf",
		Nodes: []Node{nodeWith("A", "slow", nil), nodeWith("B", "noop", nil)},
		Edges: []Edge{{ID: "e1", Source: "A", Target: "B"}},
	}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, nil)

	results := engine.Run(ec, wf, Callbacks{})

	assert.ErrorIs(t, ec.Err("A"), context.DeadlineExceeded)
	assert.False(t, ec.Cancelled(), "a node timeout does not cancel the run")
	assert.Equal(t, StatusCompleted, ec.Status("B"))
	assert.Equal(t, RunFailed, results.Status)
}

func TestEngine_SnapshotRedactsAPIKey(t *testing.T) {
	engine := newTestEngine(NewRegistry().Register("noop", emit("ok")))
	wf := &Workflow{ID: "wf", Nodes: []Node{nodeWith("A", "noop", nil)}}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, nil)
	ec.SetMetadata(MetaAPIKey, "sk-secret")

	results := engine.Run(ec, wf, Callbacks{})

	assert.NotContains(t, results.Context.Metadata, MetaAPIKey)
	assert.Equal(t, wf.ID, results.Context.Metadata[MetaWorkflowID])
	assert.Equal(t, ec.RunID, results.Context.Metadata[MetaRunID])
}

func TestEngine_TracesRunAndNodes(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	engine := newTestEngine(NewRegistry().Register("noop", emit("ok")),
		WithTracer(tp.Tracer("test")),
		WithMetrics(metrics.NewCollector("engine_test")),
	)
	wf := &Workflow{ID: "wf", Nodes: []Node{nodeWith("A", "noop", nil), nodeWith("B", "noop", nil)}}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, nil)

	engine.Run(ec, wf, Callbacks{})

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"workflow.node", "workflow.node", "workflow.run"}, names)
}

func TestEngine_EmptyWorkflow(t *testing.T) {
	engine := newTestEngine(NewRegistry())
	wf := &Workflow{ID: "wf"}
	ec := engine.NewExecutionContext(context.Background(), wf.ID, nil)
	rec := &recorder{}

	results := engine.Run(ec, wf, rec.callbacks())

	assert.Equal(t, RunCompleted, results.Status)
	assert.Empty(t, results.Steps)
	assert.Equal(t, 1, rec.completed)
}

// Every node ends pending or terminal, and each dispatched node gets exactly
// one running-entry update followed by exactly one terminal update.
func TestEngine_StatusTotality_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "nodes")
		failing := rapid.SliceOfN(rapid.Bool(), n, n).Draw(t, "failing")
		cancelAt := rapid.IntRange(-1, n).Draw(t, "cancelAt")

		dispatched := 0
		registry := NewRegistry().Register("step", ExecutorFunc(func(_ context.Context, node Node, _ map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
			dispatched++
			if dispatched-1 == cancelAt {
				ec.Cancel()
			}
			var i int
			fmt.Sscanf(node.ID, "n%d", &i)
			if failing[i] {
				return errors.New("failed")
			}
			ec.SetOutput(node.ID, DefaultPort, i)
			return nil
		}))
		engine := newTestEngine(registry)

		wf := &Workflow{ID: "wf", Edges: randomEdges(t, n)}
		for i := 0; i < n; i++ {
			wf.Nodes = append(wf.Nodes, nodeWith(fmt.Sprintf("n%d", i), "step", nil))
		}

		ec := engine.NewExecutionContext(context.Background(), wf.ID, nil)
		rec := &recorder{}
		engine.Run(ec, wf, rec.callbacks())

		if rec.completed != 1 {
			t.Fatalf("OnWorkflowComplete fired %d times", rec.completed)
		}
		for _, node := range wf.Nodes {
			status := ec.Status(node.ID)
			updates := rec.forNode(node.ID)
			switch {
			case status == StatusPending:
				if len(updates) != 0 {
					t.Fatalf("pending node %s got updates %v", node.ID, updates)
				}
			case status.Terminal():
				if len(updates) != 2 || updates[0] != StatusRunning || updates[1] != status {
					t.Fatalf("node %s: updates %v for status %s", node.ID, updates, status)
				}
			default:
				t.Fatalf("node %s left in status %q", node.ID, status)
			}
		}
	})
}

// randomEdges draws forward edges between distinct nodes, so the graph is acyclic.
func randomEdges(t *rapid.T, n int) []Edge {
	if n < 2 {
		return nil
	}
	count := rapid.IntRange(0, n*2).Draw(t, "edges")
	edges := make([]Edge, 0, count)
	for i := 0; i < count; i++ {
		from := rapid.IntRange(0, n-2).Draw(t, "from")
		to := rapid.IntRange(from+1, n-1).Draw(t, "to")
		edges = append(edges, Edge{
			ID:     fmt.Sprintf("e%d", i),
			Source: fmt.Sprintf("n%d", from),
			Target: fmt.Sprintf("n%d", to),
		})
	}
	return edges
}
