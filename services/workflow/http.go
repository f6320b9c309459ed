package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 10 << 20

// HTTPConfig configures an http node. URL, header values and a string Body
// may contain {{name}} placeholders resolved from the node's inputs.
type HTTPConfig struct {
	Method  string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD"`
	URL     string            `json:"url" validate:"required"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
	// ResponseType forces decoding: "json", "text", or "" to follow Content-Type.
	ResponseType string `json:"responseType" validate:"omitempty,oneof=json text"`
	TimeoutMs    int    `json:"timeoutMs" validate:"gte=0"`
}

// HTTPExecutor handles the "http" node type: one request, one response.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor returns an executor using client, or a client with a
// 30-second timeout when nil.
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExecutor{client: client}
}

func (e *HTTPExecutor) Execute(ctx context.Context, node Node, inputs map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
	cfg, err := DecodeConfig[HTTPConfig](node)
	if err != nil {
		return fail(ec, node.ID, err)
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	if cfg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	body, contentType, err := requestBody(cfg.Body, inputs)
	if err != nil {
		return fail(ec, node.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, renderTemplate(cfg.URL, inputs), body)
	if err != nil {
		return fail(ec, node.ID, fmt.Errorf("create request: %w", err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, renderTemplate(v, inputs))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(ec, node.ID, ctxErr)
		}
		return fail(ec, node.ID, fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(ec, node.ID, fmt.Errorf("read response: %w", err))
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	ec.SetOutput(node.ID, "status", resp.StatusCode)
	ec.SetOutput(node.ID, "headers", headers)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fail(ec, node.ID, &HTTPError{StatusCode: resp.StatusCode, Message: msg})
	}

	data, err := decodeResponse(raw, resp.Header.Get("Content-Type"), cfg.ResponseType)
	if err != nil {
		return fail(ec, node.ID, err)
	}
	ec.SetOutput(node.ID, DefaultPort, data)
	return nil
}

// requestBody encodes a configured body. Strings are templated and sent
// as-is; other values are sent as JSON.
func requestBody(body any, inputs map[string]any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		text := renderTemplate(b, inputs)
		if json.Valid([]byte(text)) {
			return strings.NewReader(text), "application/json", nil
		}
		return strings.NewReader(text), "text/plain; charset=utf-8", nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("%w: body: %v", ErrInvalidConfig, err)
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}

func decodeResponse(raw []byte, contentType, forced string) (any, error) {
	kind := forced
	if kind == "" {
		mediaType, _, _ := mime.ParseMediaType(contentType)
		if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
			kind = "json"
		} else {
			kind = "text"
		}
	}
	if kind == "text" || len(bytes.TrimSpace(raw)) == 0 {
		return string(raw), nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode json response: %w", err)
	}
	return v, nil
}
