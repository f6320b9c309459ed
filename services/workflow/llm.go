package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/claybowl/AiPex-sub000/pkg/llm"
	"github.com/claybowl/AiPex-sub000/pkg/metrics"
)

// LLMConfig configures an llm node. Prompt and SystemPrompt may contain
// {{name}} placeholders. Without a Prompt the "prompt" input, then the
// default input, is used.
type LLMConfig struct {
	Model        string  `json:"model"`
	SystemPrompt string  `json:"systemPrompt"`
	Prompt       string  `json:"prompt"`
	Temperature  float32 `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens    int     `json:"maxTokens" validate:"gte=0"`
	// Stream defaults to true.
	Stream *bool `json:"stream"`
}

// LLMExecutor handles the "llm" node type. Streamed completions publish each
// delta as a running update carrying "partial" and the accumulated "content".
type LLMExecutor struct {
	client  LLMClient
	tokens  llm.TokenCounter
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewLLMExecutor returns an llm executor. A nil counter falls back to the
// character estimator.
func NewLLMExecutor(client LLMClient, tokens llm.TokenCounter, m *metrics.Collector, logger *zap.Logger) *LLMExecutor {
	if tokens == nil {
		tokens = llm.EstimateCounter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMExecutor{client: client, tokens: tokens, metrics: m, logger: logger}
}

func (e *LLMExecutor) Execute(ctx context.Context, node Node, inputs map[string]any, ec *ExecutionContext, onUpdate UpdateFunc) error {
	if e.client == nil {
		return fail(ec, node.ID, fmt.Errorf("%w: llm client", ErrNotConfigured))
	}
	cfg, err := DecodeConfig[LLMConfig](node)
	if err != nil {
		return fail(ec, node.ID, err)
	}

	prompt := renderTemplate(cfg.Prompt, inputs)
	if strings.TrimSpace(prompt) == "" {
		var ok bool
		if prompt, ok = textInput(inputs, "prompt"); !ok {
			if prompt, ok = textInput(inputs, DefaultPort); !ok {
				return fail(ec, node.ID, missingInput("prompt"))
			}
		}
	}

	req := &llm.ChatRequest{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	if cfg.SystemPrompt != "" {
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleSystem, Content: renderTemplate(cfg.SystemPrompt, inputs)})
	}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	ctx = withRunAPIKey(ctx, ec)
	start := time.Now()

	var (
		content string
		model   string
		usage   *llm.Usage
	)
	if cfg.Stream == nil || *cfg.Stream {
		content, model, usage, err = e.stream(ctx, node.ID, req, ec, onUpdate)
	} else {
		var resp *llm.ChatResponse
		resp, err = e.client.Complete(ctx, req)
		if err == nil {
			content, model, usage = resp.Content, resp.Model, &resp.Usage
		}
	}
	if err != nil {
		return fail(ec, node.ID, err)
	}
	if model == "" {
		model = cfg.Model
	}

	if usage == nil || usage.TotalTokens == 0 {
		usage = e.countUsage(req.Messages, content)
	}
	cost := llm.EstimateCost(model, usage.PromptTokens, usage.CompletionTokens)
	latency := time.Since(start)
	ec.AddUsage(usage.TotalTokens, cost, latency)
	e.metrics.RecordLLMUsage(model, usage.PromptTokens, usage.CompletionTokens, cost)

	ec.SetOutput(node.ID, DefaultPort, content)
	ec.SetOutput(node.ID, "usage", map[string]any{
		"promptTokens":     usage.PromptTokens,
		"completionTokens": usage.CompletionTokens,
		"totalTokens":      usage.TotalTokens,
		"cost":             cost,
		"latencyMs":        latency.Milliseconds(),
	})
	ec.SetOutput(node.ID, "model", model)
	return nil
}

// stream folds deltas into the running text. Text received before a
// failure is kept on the "partial" port.
func (e *LLMExecutor) stream(ctx context.Context, nodeID string, req *llm.ChatRequest, ec *ExecutionContext, onUpdate UpdateFunc) (string, string, *llm.Usage, error) {
	chunks, err := e.client.Stream(ctx, req)
	if err != nil {
		return "", "", nil, err
	}

	var (
		buf   strings.Builder
		model string
		usage *llm.Usage
	)
	for chunk := range chunks {
		if chunk.Err != nil {
			ec.SetOutput(nodeID, "partial", buf.String())
			return "", "", nil, chunk.Err
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Delta == "" {
			continue
		}
		buf.WriteString(chunk.Delta)
		if onUpdate != nil {
			onUpdate(nodeID, StatusRunning, map[string]any{
				"partial": chunk.Delta,
				"content": buf.String(),
			})
		}
	}
	// The channel also closes on cancellation without an error chunk.
	if err := ctx.Err(); err != nil {
		ec.SetOutput(nodeID, "partial", buf.String())
		return "", "", nil, err
	}
	return buf.String(), model, usage, nil
}

func (e *LLMExecutor) countUsage(messages []llm.Message, completion string) *llm.Usage {
	u := &llm.Usage{}
	for _, m := range messages {
		n, err := e.tokens.CountTokens(m.Content)
		if err != nil {
			e.logger.Debug("token count failed", zap.String("counter", e.tokens.Name()), zap.Error(err))
			continue
		}
		u.PromptTokens += n
	}
	if n, err := e.tokens.CountTokens(completion); err == nil {
		u.CompletionTokens = n
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// EmbeddingConfig configures an embedding node. The input may be a string
// or a list of strings.
type EmbeddingConfig struct {
	Model      string `json:"model"`
	Field      string `json:"field"`
	Dimensions int    `json:"dimensions" validate:"gte=0"`
}

// EmbeddingExecutor handles the "embedding" node type. A single input string
// yields one vector on the default port; a list yields a list of vectors.
type EmbeddingExecutor struct {
	client  LLMClient
	metrics *metrics.Collector
}

func (e *EmbeddingExecutor) Execute(ctx context.Context, node Node, inputs map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
	if e.client == nil {
		return fail(ec, node.ID, fmt.Errorf("%w: embeddings client", ErrNotConfigured))
	}
	cfg, err := DecodeConfig[EmbeddingConfig](node)
	if err != nil {
		return fail(ec, node.ID, err)
	}
	field := firstNonEmpty(cfg.Field, DefaultPort)

	var texts []string
	single := false
	switch v := inputs[field].(type) {
	case []any:
		for _, item := range v {
			texts = append(texts, stringify(item))
		}
	case []string:
		texts = v
	case nil:
	default:
		texts = []string{stringify(v)}
		single = true
	}
	if len(texts) == 0 {
		return fail(ec, node.ID, missingInput(field))
	}

	start := time.Now()
	resp, err := e.client.Embed(withRunAPIKey(ctx, ec), &llm.EmbeddingRequest{
		Model:      cfg.Model,
		Input:      texts,
		Dimensions: cfg.Dimensions,
	})
	if err != nil {
		return fail(ec, node.ID, err)
	}
	if len(resp.Embeddings) == 0 {
		return fail(ec, node.ID, &llm.Error{Code: llm.ErrBadResponse, Message: "embeddings response is empty"})
	}

	cost := llm.EstimateCost(resp.Model, resp.Usage.PromptTokens, 0)
	ec.AddUsage(resp.Usage.TotalTokens, cost, time.Since(start))
	e.metrics.RecordLLMUsage(resp.Model, resp.Usage.PromptTokens, 0, cost)

	if single {
		ec.SetOutput(node.ID, DefaultPort, resp.Embeddings[0])
	} else {
		ec.SetOutput(node.ID, DefaultPort, resp.Embeddings)
	}
	ec.SetOutput(node.ID, "dimensions", len(resp.Embeddings[0]))
	ec.SetOutput(node.ID, "usage", map[string]any{
		"promptTokens": resp.Usage.PromptTokens,
		"totalTokens":  resp.Usage.TotalTokens,
		"cost":         cost,
	})
	return nil
}

// withRunAPIKey applies per-run credentials stored in the context metadata.
func withRunAPIKey(ctx context.Context, ec *ExecutionContext) context.Context {
	if key, ok := ec.Metadata(MetaAPIKey); ok {
		if s, ok := key.(string); ok && s != "" {
			return llm.WithAPIKey(ctx, s)
		}
	}
	return ctx
}
