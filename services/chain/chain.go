// Package chain runs prompt chains: a fixed five-category sequence of model
// steps that share a variable bag. Unlike the workflow engine it ignores
// edges; steps run in category order, input first and output last.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claybowl/AiPex-sub000/pkg/llm"
	"github.com/claybowl/AiPex-sub000/pkg/metrics"
	"github.com/claybowl/AiPex-sub000/services/workflow"
)

// Category is a chain step's node type.
type Category string

const (
	CategoryInput    Category = "input"
	CategoryProcess  Category = "process"
	CategoryDecision Category = "decision"
	CategoryAction   Category = "action"
	CategoryOutput   Category = "output"
)

var precedence = map[Category]int{
	CategoryInput:    0,
	CategoryProcess:  1,
	CategoryDecision: 2,
	CategoryAction:   3,
	CategoryOutput:   4,
}

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// StepConfig is the per-node configuration of a chain step.
type StepConfig struct {
	// Instruction is the step's prompt. Prompt is accepted as an alias.
	Instruction      string   `json:"instruction"`
	Prompt           string   `json:"prompt"`
	Model            string   `json:"model"`
	SystemPrompt     string   `json:"systemPrompt"`
	ExtractVariables []string `json:"extractVariables"`
}

// StepRequest is what a StepRunner receives for one step.
type StepRequest struct {
	NodeID       string
	Category     Category
	Model        string
	SystemPrompt string
	Prompt       string
}

// StepResult is a step's structured output plus accounting.
type StepResult struct {
	Output map[string]any
	Text   string
	Model  string
	Usage  llm.Usage
}

// StepRunner executes a single chain step.
type StepRunner interface {
	RunStep(ctx context.Context, req StepRequest) (*StepResult, error)
}

// StepRecord is the outcome of one executed step.
type StepRecord struct {
	NodeID     string         `json:"nodeId"`
	Category   Category       `json:"category"`
	Status     string         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Branch     string         `json:"branch,omitempty"`
	Tokens     int            `json:"tokens"`
	Cost       float64        `json:"cost"`
	DurationMs int64          `json:"durationMs"`
	Error      string         `json:"error,omitempty"`
}

// Result is the outcome of a chain run. Variables holds whatever was
// extracted before a failure.
type Result struct {
	RunID           string            `json:"runId"`
	Status          string            `json:"status"`
	Variables       map[string]any    `json:"variables"`
	PreviousOutputs map[string]any    `json:"previousOutputs"`
	Steps           []StepRecord      `json:"steps"`
	Branches        map[string]string `json:"branches"`
	// Branch is the label chosen by the last decision step.
	Branch      string  `json:"branch,omitempty"`
	TotalTokens int     `json:"totalTokens"`
	TotalCost   float64 `json:"totalCost"`
	Duration    int64   `json:"durationMs"`
	Error       string  `json:"error,omitempty"`
}

// Executor runs chains against a StepRunner.
type Executor struct {
	runner  StepRunner
	tokens  llm.TokenCounter
	metrics *metrics.Collector
	logger  *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l.With(zap.String("component", "chain_executor")) }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTokenCounter sets the counter used when a runner reports no usage.
func WithTokenCounter(c llm.TokenCounter) Option {
	return func(e *Executor) { e.tokens = c }
}

func NewExecutor(runner StepRunner, opts ...Option) *Executor {
	e := &Executor{
		runner: runner,
		tokens: llm.EstimateCounter{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type step struct {
	node     workflow.Node
	category Category
	cfg      StepConfig
}

// Execute runs nodes in category order, seeding the variable bag from input.
// The first failing step ends the run.
func (e *Executor) Execute(ctx context.Context, nodes []workflow.Node, input map[string]any) *Result {
	start := time.Now()
	res := &Result{
		RunID:           uuid.New().String(),
		Status:          StatusCompleted,
		Variables:       make(map[string]any, len(input)),
		PreviousOutputs: make(map[string]any),
		Steps:           make([]StepRecord, 0, len(nodes)),
		Branches:        make(map[string]string),
	}
	for k, v := range input {
		res.Variables[k] = v
	}
	log := e.logger.With(zap.String("run_id", res.RunID))

	finish := func(err error) *Result {
		if err != nil {
			res.Status = StatusFailed
			res.Error = err.Error()
			log.Warn("chain run failed", zap.Error(err))
		}
		res.Duration = time.Since(start).Milliseconds()
		e.metrics.RecordChainRun(res.Status)
		log.Info("chain run finished",
			zap.String("status", res.Status),
			zap.Int("steps", len(res.Steps)),
			zap.Float64("total_cost", res.TotalCost),
		)
		return res
	}

	steps, err := planSteps(nodes)
	if err != nil {
		return finish(err)
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		rec, err := e.runStep(ctx, s, res)
		res.Steps = append(res.Steps, rec)
		if err != nil {
			return finish(fmt.Errorf("step %s: %w", s.node.ID, err))
		}
	}
	return finish(nil)
}

// planSteps validates categories and configs and sorts by category. Ties
// keep their input order.
func planSteps(nodes []workflow.Node) ([]step, error) {
	steps := make([]step, 0, len(nodes))
	for _, n := range nodes {
		cat := Category(n.Type)
		if _, ok := precedence[cat]; !ok {
			return nil, fmt.Errorf("node %s: unknown step category %q", n.ID, n.Type)
		}
		cfg, err := workflow.DecodeConfig[StepConfig](n)
		if err != nil {
			return nil, err
		}
		if cfg.Instruction == "" {
			cfg.Instruction = cfg.Prompt
		}
		steps = append(steps, step{node: n, category: cat, cfg: cfg})
	}
	sort.SliceStable(steps, func(i, j int) bool {
		return precedence[steps[i].category] < precedence[steps[j].category]
	})
	return steps, nil
}

func (e *Executor) runStep(ctx context.Context, s step, res *Result) (StepRecord, error) {
	rec := StepRecord{NodeID: s.node.ID, Category: s.category}
	started := time.Now()

	prompt, err := buildPrompt(s.cfg.Instruction, res.Variables, res.PreviousOutputs)
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		return rec, err
	}

	out, err := e.runner.RunStep(ctx, StepRequest{
		NodeID:       s.node.ID,
		Category:     s.category,
		Model:        s.cfg.Model,
		SystemPrompt: s.cfg.SystemPrompt,
		Prompt:       prompt,
	})
	rec.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		return rec, err
	}
	if out.Output == nil {
		out.Output = map[string]any{}
	}

	usage := out.Usage
	if usage.TotalTokens == 0 {
		usage = e.estimateUsage(s.cfg.SystemPrompt+prompt, out.Text)
	}
	model := out.Model
	if model == "" {
		model = s.cfg.Model
	}
	rec.Tokens = usage.TotalTokens
	rec.Cost = llm.EstimateCost(model, usage.PromptTokens, usage.CompletionTokens)
	res.TotalTokens += rec.Tokens
	res.TotalCost += rec.Cost
	e.metrics.RecordLLMUsage(model, usage.PromptTokens, usage.CompletionTokens, rec.Cost)

	for _, name := range s.cfg.ExtractVariables {
		if v, ok := out.Output[name]; ok {
			res.Variables[name] = v
		}
	}

	// The branch is recorded only; later steps still run in category order.
	if s.category == CategoryDecision {
		branch := "false"
		if d, ok := out.Output["decision"].(bool); ok && d {
			branch = "true"
		}
		rec.Branch = branch
		res.Branches[s.node.ID] = branch
		res.Branch = branch
	}

	res.PreviousOutputs[s.node.ID] = out.Output
	rec.Output = out.Output
	rec.Status = StatusCompleted
	return rec, nil
}

func (e *Executor) estimateUsage(prompt, completion string) llm.Usage {
	var u llm.Usage
	if n, err := e.tokens.CountTokens(prompt); err == nil {
		u.PromptTokens = n
	}
	if n, err := e.tokens.CountTokens(completion); err == nil {
		u.CompletionTokens = n
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// buildPrompt appends the current variables and prior step outputs to the
// instruction as indented JSON.
func buildPrompt(instruction string, variables, previous map[string]any) (string, error) {
	vars, err := json.MarshalIndent(variables, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode variables: %w", err)
	}
	prev, err := json.MarshalIndent(previous, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode previous outputs: %w", err)
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(instruction))
	b.WriteString("\n\nVariables:\n")
	b.Write(vars)
	b.WriteString("\n\nPrevious outputs:\n")
	b.Write(prev)
	return b.String(), nil
}
