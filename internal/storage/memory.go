package storage

import (
	"context"
	"errors"
	"sync"

	"edgebrain/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[string]model.Checkpoint
	history     map[string][]model.StepMetrics
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.checkpoints = make(map[string]model.Checkpoint)
	s.history = make(map[string][]model.StepMetrics)
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint model.Checkpoint) error {
	if err := validateRunID(checkpoint.RunID); err != nil {
		return err
	}
	if err := checkVersion(checkpoint.VersionedRecord); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	s.checkpoints[checkpoint.RunID] = cloneCheckpoint(checkpoint)
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, runID string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, ok := s.checkpoints[runID]
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	return cloneCheckpoint(checkpoint), true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunSummary, 0, len(s.checkpoints))
	for _, checkpoint := range s.checkpoints {
		runs = append(runs, Summarize(checkpoint))
	}
	sortRuns(runs)
	return runs, nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, runID string, rows ...model.StepMetrics) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	s.history[runID] = mergeHistory(s.history[runID], rows)
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, runID string) ([]model.StepMetrics, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.history[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.StepMetrics, len(history))
	copy(copied, history)
	return copied, true, nil
}

var errNotInitialized = errors.New("store is not initialized")

// cloneCheckpoint copies the slices a caller could otherwise mutate in place.
func cloneCheckpoint(c model.Checkpoint) model.Checkpoint {
	rec := c.Classifier
	nodes := make([]model.NodeRecord, len(rec.Nodes))
	for i, n := range rec.Nodes {
		n.Edges = append([]model.EdgeRecord(nil), n.Edges...)
		nodes[i] = n
	}
	rec.Nodes = nodes
	rec.Inputs = append([]model.InputPairRecord(nil), rec.Inputs...)
	rec.Outputs = append([]int(nil), rec.Outputs...)
	c.Classifier = rec
	return c
}
