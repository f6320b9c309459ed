// Package llm is a client for OpenAI-compatible chat completion and
// embeddings endpoints. Completions can be blocking or streamed over SSE;
// every call honours the caller's context for cancellation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config configures a Client.
type Config struct {
	BaseURL        string
	APIKey         string
	DefaultModel   string
	EmbeddingModel string
	// Timeout bounds blocking calls. Streams are bounded only by the context.
	Timeout time.Duration
	// RequestsPerSec limits outbound calls; zero disables limiting.
	RequestsPerSec float64
}

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	cfg     Config
	http    *http.Client
	stream  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		stream: &http.Client{},
		logger: logger.With(zap.String("component", "llm_client")),
	}
	if cfg.RequestsPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}
	return c
}

// DefaultModel returns the model used when a request leaves Model empty.
func (c *Client) DefaultModel() string { return c.cfg.DefaultModel }

type apiKeyKey struct{}

// WithAPIKey returns a context whose calls authenticate with key instead of
// the configured one. Runs use this to carry per-run credentials.
func WithAPIKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, apiKeyKey{}, key)
}

func (c *Client) apiKey(ctx context.Context) string {
	if k, ok := ctx.Value(apiKeyKey{}).(string); ok && strings.TrimSpace(k) != "" {
		return strings.TrimSpace(k)
	}
	return c.cfg.APIKey
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *Client) model(m string) string {
	if m != "" {
		return m
	}
	return c.cfg.DefaultModel
}

// Complete performs a blocking chat completion.
func (c *Client) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body := c.wireRequest(req, false)

	resp, err := c.post(ctx, c.http, "/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wr wireChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, &Error{Code: ErrBadResponse, Message: err.Error(), HTTPStatus: resp.StatusCode, Cause: err}
	}
	if len(wr.Choices) == 0 {
		return nil, &Error{Code: ErrBadResponse, Message: "response has no choices", HTTPStatus: resp.StatusCode}
	}

	out := &ChatResponse{
		ID:           wr.ID,
		Model:        wr.Model,
		Content:      wr.Choices[0].Message.Content,
		FinishReason: wr.Choices[0].FinishReason,
	}
	if wr.Usage != nil {
		out.Usage = *wr.Usage
	}
	return out, nil
}

// Stream opens a streamed chat completion. The returned channel is closed
// when the provider sends [DONE], the body ends, an error chunk is sent, or
// ctx is cancelled.
func (c *Client) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	body := c.wireRequest(req, true)

	resp, err := c.post(ctx, c.stream, "/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}
	return streamSSE(ctx, resp.Body), nil
}

// Embed returns one vector per input string.
func (c *Client) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.EmbeddingModel
	}

	resp, err := c.post(ctx, c.http, "/v1/embeddings", wireEmbeddingRequest{
		Model:      model,
		Input:      req.Input,
		Dimensions: req.Dimensions,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wr wireEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, &Error{Code: ErrBadResponse, Message: err.Error(), HTTPStatus: resp.StatusCode, Cause: err}
	}

	out := &EmbeddingResponse{
		Model:      wr.Model,
		Embeddings: make([][]float64, len(req.Input)),
		Usage:      wr.Usage,
	}
	for _, d := range wr.Data {
		if d.Index < 0 || d.Index >= len(out.Embeddings) {
			return nil, &Error{Code: ErrBadResponse, Message: fmt.Sprintf("embedding index %d out of range", d.Index)}
		}
		out.Embeddings[d.Index] = d.Embedding
	}
	return out, nil
}

func (c *Client) wireRequest(req *ChatRequest, stream bool) wireChatRequest {
	w := wireChatRequest{
		Model:       c.model(req.Model),
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if stream {
		w.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	}
	return w
}

// post sends a JSON body and returns the response when the status is 2xx.
// The caller owns the response body.
func (c *Client) post(ctx context.Context, hc *http.Client, path string, body any) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := c.apiKey(ctx); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	start := time.Now()
	resp, err := hc.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, upstreamError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg := readErrorMessage(resp.Body)
		c.logger.Warn("llm request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Duration("latency", time.Since(start)),
		)
		return nil, MapHTTPError(resp.StatusCode, msg)
	}

	c.logger.Debug("llm request accepted",
		zap.String("path", path),
		zap.Duration("latency", time.Since(start)),
	)
	return resp, nil
}
