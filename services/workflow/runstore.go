package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunRecord is the stored view of one run: lifecycle timestamps, the node
// updates observed so far and, once finished, the final snapshot.
type RunRecord struct {
	RunID      string             `json:"runId"`
	WorkflowID string             `json:"workflowId"`
	Status     string             `json:"status"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
	Events     []NodeEvent        `json:"events"`
	Snapshot   *ExecutionSnapshot `json:"snapshot,omitempty"`
}

// NodeEvent is one OnNodeUpdate notification.
type NodeEvent struct {
	NodeID   string          `json:"nodeId"`
	Status   ExecutionStatus `json:"status"`
	Snapshot map[string]any  `json:"snapshot,omitempty"`
	At       time.Time       `json:"at"`
}

// RunRunning marks a run that has not finished.
const RunRunning = "running"

// RunStore records runs for later lookup. Records are not intermediate
// state: a restarted process cannot resume a run from them.
type RunStore interface {
	Start(ctx context.Context, runID, workflowID string) error
	AppendEvent(ctx context.Context, runID string, ev NodeEvent) error
	Finish(ctx context.Context, runID, status string, snap ExecutionSnapshot) error
	// Get returns nil, nil when the run is unknown or expired.
	Get(ctx context.Context, runID string) (*RunRecord, error)
}

const maxRunEvents = 1000

// RedisRunStore keeps run records in Redis with a TTL.
type RedisRunStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisRunStore returns a store writing under keyPrefix. A zero ttl keeps
// records for 24 hours.
func NewRedisRunStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisRunStore {
	if keyPrefix == "" {
		keyPrefix = "aipex:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisRunStore{client: client, keyPrefix: keyPrefix + "run:", ttl: ttl}
}

func (s *RedisRunStore) recordKey(runID string) string { return s.keyPrefix + runID }
func (s *RedisRunStore) eventsKey(runID string) string { return s.keyPrefix + runID + ":events" }

func (s *RedisRunStore) Start(ctx context.Context, runID, workflowID string) error {
	return s.save(ctx, &RunRecord{
		RunID:      runID,
		WorkflowID: workflowID,
		Status:     RunRunning,
		StartedAt:  time.Now().UTC(),
	})
}

func (s *RedisRunStore) AppendEvent(ctx context.Context, runID string, ev NodeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal node event: %w", err)
	}
	key := s.eventsKey(runID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -maxRunEvents, -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append node event: %w", err)
	}
	return nil
}

func (s *RedisRunStore) Finish(ctx context.Context, runID, status string, snap ExecutionSnapshot) error {
	rec, err := s.load(ctx, runID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &RunRecord{RunID: runID, WorkflowID: snap.WorkflowID}
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.FinishedAt = &now
	rec.Snapshot = &snap
	return s.save(ctx, rec)
}

func (s *RedisRunStore) Get(ctx context.Context, runID string) (*RunRecord, error) {
	rec, err := s.load(ctx, runID)
	if err != nil || rec == nil {
		return rec, err
	}

	raw, err := s.client.LRange(ctx, s.eventsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load node events: %w", err)
	}
	rec.Events = make([]NodeEvent, 0, len(raw))
	for _, item := range raw {
		var ev NodeEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode node event: %w", err)
		}
		rec.Events = append(rec.Events, ev)
	}
	return rec, nil
}

func (s *RedisRunStore) load(ctx context.Context, runID string) (*RunRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run record: %w", err)
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode run record: %w", err)
	}
	return &rec, nil
}

func (s *RedisRunStore) save(ctx context.Context, rec *RunRecord) error {
	events := rec.Events
	rec.Events = nil
	data, err := json.Marshal(rec)
	rec.Events = events
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	if err := s.client.Set(ctx, s.recordKey(rec.RunID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save run record: %w", err)
	}
	return nil
}

// MemoryRunStore is a process-local RunStore used when Redis is not configured.
// Like the Redis store, a record expires ttl after its last write.
type MemoryRunStore struct {
	mu      sync.RWMutex
	runs    map[string]*RunRecord
	expires map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryRunStore returns an empty store. A zero ttl keeps records for 24h.
func NewMemoryRunStore(ttl time.Duration) *MemoryRunStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryRunStore{
		runs:    make(map[string]*RunRecord),
		expires: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// touch extends runID's lifetime and drops expired records. Callers hold mu.
func (s *MemoryRunStore) touch(runID string) {
	now := s.now()
	for id, at := range s.expires {
		if !now.Before(at) {
			delete(s.runs, id)
			delete(s.expires, id)
		}
	}
	if _, ok := s.runs[runID]; ok {
		s.expires[runID] = now.Add(s.ttl)
	}
}

func (s *MemoryRunStore) Start(_ context.Context, runID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = &RunRecord{RunID: runID, WorkflowID: workflowID, Status: RunRunning, StartedAt: s.now().UTC()}
	s.touch(runID)
	return nil
}

func (s *MemoryRunStore) AppendEvent(_ context.Context, runID string, ev NodeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(runID)
	rec, ok := s.runs[runID]
	if !ok {
		return nil
	}
	rec.Events = append(rec.Events, ev)
	if len(rec.Events) > maxRunEvents {
		rec.Events = rec.Events[len(rec.Events)-maxRunEvents:]
	}
	return nil
}

func (s *MemoryRunStore) Finish(_ context.Context, runID, status string, snap ExecutionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		rec = &RunRecord{RunID: runID, WorkflowID: snap.WorkflowID}
		s.runs[runID] = rec
	}
	now := s.now().UTC()
	rec.Status = status
	rec.FinishedAt = &now
	rec.Snapshot = &snap
	s.touch(runID)
	return nil
}

func (s *MemoryRunStore) Get(_ context.Context, runID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok || !s.now().Before(s.expires[runID]) {
		return nil, nil
	}
	cp := *rec
	cp.Events = append([]NodeEvent(nil), rec.Events...)
	return &cp, nil
}
