package workflow

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping repository tests")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestRepository_InitSchema(t *testing.T) {
	pool := getTestPool(t)
	repo := NewRepository(pool)

	err := repo.InitSchema(context.Background())
	require.NoError(t, err)

	// Running again should be idempotent
	err = repo.InitSchema(context.Background())
	require.NoError(t, err)
}

func TestRepository_Seed(t *testing.T) {
	pool := getTestPool(t)
	repo := NewRepository(pool)

	ctx := context.Background()
	require.NoError(t, repo.InitSchema(ctx))

	err := repo.Seed(ctx)
	require.NoError(t, err)
}

func TestRepository_Seed_Idempotent(t *testing.T) {
	pool := getTestPool(t)
	repo := NewRepository(pool)

	ctx := context.Background()
	require.NoError(t, repo.InitSchema(ctx))

	require.NoError(t, repo.Seed(ctx))
	require.NoError(t, repo.Seed(ctx)) // Second call should not error
}

func TestRepository_Get_Found(t *testing.T) {
	pool := getTestPool(t)
	repo := NewRepository(pool)

	ctx := context.Background()
	require.NoError(t, repo.InitSchema(ctx))
	require.NoError(t, repo.Seed(ctx))

	wf, err := repo.Get(ctx, sampleWorkflowID)
	require.NoError(t, err)
	require.NotNil(t, wf)

	assert.Equal(t, sampleWorkflowID, wf.ID)
	assert.Equal(t, "Ask the Model", wf.Name)
	assert.Len(t, wf.Nodes, 3)
	assert.Len(t, wf.Edges, 2)

	// Seeded graph must be runnable with the default registry.
	registry := NewDefaultRegistry(Dependencies{})
	for _, n := range wf.Nodes {
		_, ok := registry.Lookup(n.Type)
		assert.True(t, ok, "no executor for seeded node type %q", n.Type)
	}
}

func TestRepository_Get_NotFound(t *testing.T) {
	pool := getTestPool(t)
	repo := NewRepository(pool)

	ctx := context.Background()
	require.NoError(t, repo.InitSchema(ctx))

	wf, err := repo.Get(ctx, "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Nil(t, wf)
}

func TestRepository_SaveAndListExecutions(t *testing.T) {
	pool := getTestPool(t)
	repo := NewRepository(pool)

	ctx := context.Background()
	require.NoError(t, repo.InitSchema(ctx))
	require.NoError(t, repo.Seed(ctx))

	runID := uuid.New().String()
	res := &ExecutionResults{
		ExecutionID:   runID,
		WorkflowID:    sampleWorkflowID,
		Status:        RunCompleted,
		TotalDuration: 42,
		Steps:         []ExecutionStep{{StepNumber: 1, NodeID: "question", NodeType: "input", Status: StatusCompleted}},
		Context:       ExecutionSnapshot{RunID: runID, WorkflowID: sampleWorkflowID},
	}
	require.NoError(t, repo.SaveExecution(ctx, res))
	// Upsert on the same run ID.
	res.Status = RunFailed
	require.NoError(t, repo.SaveExecution(ctx, res))

	list, err := repo.ListExecutions(ctx, sampleWorkflowID, 100)
	require.NoError(t, err)

	var found *ExecutionResults
	for i := range list {
		if list[i].ExecutionID == runID {
			found = &list[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, RunFailed, found.Status)
	assert.Equal(t, int64(42), found.TotalDuration)
	require.Len(t, found.Steps, 1)
	assert.Equal(t, "question", found.Steps[0].NodeID)
}
