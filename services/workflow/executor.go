package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/claybowl/AiPex-sub000/pkg/blob"
	"github.com/claybowl/AiPex-sub000/pkg/llm"
	"github.com/claybowl/AiPex-sub000/pkg/metrics"
)

// UpdateFunc reports progress for a node. Executors call it with
// StatusRunning to publish incremental results; terminal updates are
// emitted by the Engine.
type UpdateFunc func(nodeID string, status ExecutionStatus, snapshot map[string]any)

// NodeExecutor runs one node type. Implementations write their results with
// ec.SetOutput and must use ctx for every outbound call.
type NodeExecutor interface {
	Execute(ctx context.Context, node Node, inputs map[string]any, ec *ExecutionContext, onUpdate UpdateFunc) error
}

// ExecutorFunc adapts a function to NodeExecutor.
type ExecutorFunc func(ctx context.Context, node Node, inputs map[string]any, ec *ExecutionContext, onUpdate UpdateFunc) error

func (f ExecutorFunc) Execute(ctx context.Context, node Node, inputs map[string]any, ec *ExecutionContext, onUpdate UpdateFunc) error {
	return f(ctx, node, inputs, ec, onUpdate)
}

// Registry maps node type tags to executors. It is built once at start-up
// and must not be modified while runs are in flight.
type Registry struct {
	executors map[string]NodeExecutor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]NodeExecutor)}
}

// Register stores exec for tag. A later registration for the same tag wins.
func (r *Registry) Register(tag string, exec NodeExecutor) *Registry {
	r.executors[tag] = exec
	return r
}

// Lookup returns the executor for tag.
func (r *Registry) Lookup(tag string) (NodeExecutor, bool) {
	exec, ok := r.executors[tag]
	return exec, ok
}

// Types returns the registered tags in sorted order.
func (r *Registry) Types() []string {
	tags := make([]string, 0, len(r.executors))
	for tag := range r.executors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// LLMClient is the subset of *llm.Client used by model-backed executors.
type LLMClient interface {
	Complete(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)
	Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error)
}

// Dependencies are the collaborators handed to built-in executors. Nil
// fields leave the matching executors registered but failing with
// ErrNotConfigured.
type Dependencies struct {
	LLM        LLMClient
	HTTPClient *http.Client
	Blob       blob.Store
	Tokens     llm.TokenCounter
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

// NewDefaultRegistry registers every built-in executor.
func NewDefaultRegistry(deps Dependencies) *Registry {
	return NewRegistry().
		Register("input", &InputExecutor{}).
		Register("output", &OutputExecutor{}).
		Register("template", &TemplateExecutor{}).
		Register("condition", &ConditionExecutor{}).
		Register("json-parse", &JSONParseExecutor{}).
		Register("csv-parse", &CSVParseExecutor{}).
		Register("html-markdown", &HTMLMarkdownExecutor{}).
		Register("validator", NewValidatorExecutor()).
		Register("http", NewHTTPExecutor(deps.HTTPClient)).
		Register("embedding", &EmbeddingExecutor{client: deps.LLM, metrics: deps.Metrics}).
		Register("llm", NewLLMExecutor(deps.LLM, deps.Tokens, deps.Metrics, deps.Logger)).
		Register("storage", &StorageExecutor{store: deps.Blob})
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// DecodeConfig decodes a node's configuration into T and validates its
// `validate` tags. Errors wrap ErrInvalidConfig.
func DecodeConfig[T any](node Node) (T, error) {
	var cfg T
	if len(node.Data.Config) > 0 {
		raw, err := json.Marshal(node.Data.Config)
		if err != nil {
			return cfg, fmt.Errorf("%w: node %s: %v", ErrInvalidConfig, node.ID, err)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: node %s: %v", ErrInvalidConfig, node.ID, err)
		}
	}
	if err := configValidator.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("%w: node %s: %v", ErrInvalidConfig, node.ID, err)
	}
	return cfg, nil
}
