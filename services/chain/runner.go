package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/claybowl/AiPex-sub000/pkg/llm"
	"github.com/claybowl/AiPex-sub000/services/workflow"
)

const jsonInstruction = "Respond with a single JSON object and nothing else."

// LLMStepRunner runs each step as one chat completion and parses the reply
// as a JSON object.
type LLMStepRunner struct {
	client workflow.LLMClient
}

func NewLLMStepRunner(client workflow.LLMClient) *LLMStepRunner {
	return &LLMStepRunner{client: client}
}

func (r *LLMStepRunner) RunStep(ctx context.Context, req StepRequest) (*StepResult, error) {
	system := jsonInstruction
	if req.SystemPrompt != "" {
		system = req.SystemPrompt + "\n\n" + jsonInstruction
	}

	resp, err := r.client.Complete(ctx, &llm.ChatRequest{
		Model: req.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		return nil, err
	}

	out, err := parseObject(resp.Content)
	if err != nil {
		return nil, err
	}
	return &StepResult{Output: out, Text: resp.Content, Model: resp.Model, Usage: resp.Usage}, nil
}

// parseObject decodes model output into a map. Markdown code fences are
// stripped and malformed JSON is repaired. A reply that is valid JSON but
// not an object is wrapped as {"result": value}.
func parseObject(text string) (map[string]any, error) {
	text = stripFences(text)
	if text == "" {
		return nil, &llm.Error{Code: llm.ErrBadResponse, Message: "empty step response"}
	}

	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return nil, &llm.Error{Code: llm.ErrBadResponse, Message: fmt.Sprintf("step response is not JSON: %v", err), Cause: repairErr}
		}
		if err := json.Unmarshal([]byte(repaired), &v); err != nil {
			return nil, &llm.Error{Code: llm.ErrBadResponse, Message: fmt.Sprintf("repaired step response is not JSON: %v", err), Cause: err}
		}
	}

	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": v}, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
