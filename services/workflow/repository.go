package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles workflow and execution persistence in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// InitSchema creates the workflows and executions tables if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id         UUID PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			nodes      JSONB NOT NULL DEFAULT '[]',
			edges      JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS executions (
			id             UUID PRIMARY KEY,
			workflow_id    UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			status         TEXT NOT NULL,
			total_duration BIGINT NOT NULL DEFAULT 0,
			steps          JSONB NOT NULL DEFAULT '[]',
			context        JSONB NOT NULL DEFAULT '{}',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS executions_workflow_id_idx ON executions (workflow_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Seed inserts the sample question-answering workflow if it does not already exist.
func (r *Repository) Seed(ctx context.Context) error {
	nodesJSON, err := json.Marshal(sampleNodes)
	if err != nil {
		return fmt.Errorf("marshal seed nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(sampleEdges)
	if err != nil {
		return fmt.Errorf("marshal seed edges: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO workflows (id, name, nodes, edges)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, sampleWorkflowID, "Ask the Model", nodesJSON, edgesJSON)
	if err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID. Returns nil, nil if not found.
func (r *Repository) Get(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	var nodesJSON, edgesJSON []byte

	err := r.db.QueryRow(ctx, `
		SELECT id, name, nodes, edges, created_at, updated_at
		FROM workflows WHERE id = $1
	`, id).Scan(&wf.ID, &wf.Name, &nodesJSON, &edgesJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	if err := json.Unmarshal(nodesJSON, &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &wf.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}
	return &wf, nil
}

// SaveExecution stores the outcome of a finished run.
func (r *Repository) SaveExecution(ctx context.Context, res *ExecutionResults) error {
	stepsJSON, err := json.Marshal(res.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	contextJSON, err := json.Marshal(res.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO executions (id, workflow_id, status, total_duration, steps, context)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, total_duration = EXCLUDED.total_duration,
			steps = EXCLUDED.steps, context = EXCLUDED.context
	`, res.ExecutionID, res.WorkflowID, res.Status, res.TotalDuration, stepsJSON, contextJSON)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// ListExecutions returns the most recent executions of a workflow, newest first.
func (r *Repository) ListExecutions(ctx context.Context, workflowID string, limit int) ([]ExecutionResults, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, workflow_id, status, total_duration, steps, context, created_at
		FROM executions WHERE workflow_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionResults
	for rows.Next() {
		var res ExecutionResults
		var stepsJSON, contextJSON []byte
		var createdAt time.Time
		if err := rows.Scan(&res.ExecutionID, &res.WorkflowID, &res.Status, &res.TotalDuration, &stepsJSON, &contextJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if err := json.Unmarshal(stepsJSON, &res.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		if err := json.Unmarshal(contextJSON, &res.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
		res.StartTime = createdAt.UTC().Format(time.RFC3339)
		out = append(out, res)
	}
	return out, rows.Err()
}

// InitDB creates the schema and seeds initial data. Called from main on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	return repo.Seed(ctx)
}

const sampleWorkflowID = "550e8400-e29b-41d4-a716-446655440000"

var sampleNodes = []Node{
	{
		ID: "question", Type: "input",
		Position: Position{X: -160, Y: 300},
		Data: NodeData{
			Label: "Question", Description: "Question supplied with the run",
			Config: map[string]any{"key": "question"},
		},
	},
	{
		ID: "answer", Type: "llm",
		Position: Position{X: 200, Y: 300},
		Data: NodeData{
			Label: "Answer", Description: "Ask the model",
			Config: map[string]any{
				"systemPrompt": "You answer in at most three sentences.",
				"prompt":       "{{default}}",
				"stream":       true,
			},
		},
	},
	{
		ID: "result", Type: "output",
		Position: Position{X: 560, Y: 300},
		Data: NodeData{Label: "Result", Description: "Final answer"},
	},
}

var sampleEdges = []Edge{
	{ID: "e1", Source: "question", Target: "answer", Type: "smoothstep", Animated: true, Style: map[string]any{"stroke": "#3b82f6", "strokeWidth": 3}, Label: "Ask"},
	{ID: "e2", Source: "answer", Target: "result", Type: "smoothstep", Animated: true, Style: map[string]any{"stroke": "#10b981", "strokeWidth": 3}, Label: "Answer"},
}
