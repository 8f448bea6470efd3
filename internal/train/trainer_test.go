package train

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgebrain/internal/classifier"
	"edgebrain/internal/dataset"
	"edgebrain/internal/probe"
	"edgebrain/internal/storage"
	"edgebrain/internal/telemetry"
)

func testConfig(t *testing.T, store storage.Store, steps int) Config {
	t.Helper()
	src, err := dataset.NewSynthetic(dataset.TaskAnd, 4, 2)
	require.NoError(t, err)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return Config{
		RunID:                    "and-run",
		Source:                   src,
		Store:                    store,
		Metrics:                  telemetry.NewMetrics(),
		HiddenCount:              8,
		EdgeWeight:               1,
		InitBatchSize:            16,
		ReachableFrac:            0.3,
		HiddenGroups:             1,
		Steps:                    steps,
		BatchSize:                32,
		TestSize:                 16,
		MutationCount:            2,
		MutationSize:             2,
		MutationDeleteProb:       0.25,
		PreliminaryMutationCount: 3,
		PreliminaryBatchSize:     8,
		SaveInterval:             2,
		Workers:                  2,
		Seed:                     7,
		Now: func() time.Time {
			clock = clock.Add(time.Millisecond)
			return clock
		},
	}
}

func memoryStore(t *testing.T) storage.Store {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestTrainerRunsAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := memoryStore(t)
	trainer, err := New(testConfig(t, store, 5))
	require.NoError(t, err)

	res, err := trainer.Run(ctx)
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.Equal(t, 5, res.Step)
	require.Len(t, res.History, 5)

	for i, row := range res.History {
		assert.Equal(t, i+1, row.Step)
		assert.LessOrEqual(t, row.MinCandidateLoss, row.GreedyLoss)
		assert.LessOrEqual(t, row.GreedyLoss, row.Loss+1e-12)
		assert.LessOrEqual(t, row.MinCandidateLoss, row.MaxCandidateLoss)
		assert.Equal(t, row.MinCandidateLoss < row.Loss, row.Accepted)
		assert.Positive(t, row.UniqueHidden)
		assert.Nil(t, row.ProbeLoss)
	}

	checkpoint, ok, err := store.GetCheckpoint(ctx, "and-run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, checkpoint.Step)
	restored, err := classifier.FromRecord(checkpoint.Classifier)
	require.NoError(t, err)
	assert.Equal(t, res.Classifier.ToRecord(), restored.ToRecord())

	history, ok, err := store.GetHistory(ctx, "and-run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.History, history)
}

func TestTrainerResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := memoryStore(t)
	first, err := New(testConfig(t, store, 2))
	require.NoError(t, err)
	_, err = first.Run(ctx)
	require.NoError(t, err)

	second, err := New(testConfig(t, store, 4))
	require.NoError(t, err)
	res, err := second.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, 4, res.Step)
	require.Len(t, res.History, 2)
	assert.Equal(t, 3, res.History[0].Step)

	history, _, err := store.GetHistory(ctx, "and-run")
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestTrainerStopsBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := memoryStore(t)
	trainer, err := New(testConfig(t, store, 3))
	require.NoError(t, err)

	res, err := trainer.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Step)

	checkpoint, ok, err := store.GetCheckpoint(context.Background(), "and-run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, checkpoint.Step)
	assert.Positive(t, len(checkpoint.Classifier.Nodes))
}

func TestTrainerReportsProbeLoss(t *testing.T) {
	cfg := testConfig(t, memoryStore(t), 1)
	cfg.EvaluateProbe = true
	cfg.Probe = probe.Config{BatchSize: 8, LR: 0.05, Iters: 50}
	trainer, err := New(cfg)
	require.NoError(t, err)

	res, err := trainer.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.History, 1)
	require.NotNil(t, res.History[0].ProbeLoss)
	assert.Positive(t, *res.History[0].ProbeLoss)
}

func TestTrainerRejectsMismatchedCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := memoryStore(t)
	first, err := New(testConfig(t, store, 0))
	require.NoError(t, err)
	_, err = first.Run(ctx)
	require.NoError(t, err)

	cfg := testConfig(t, store, 1)
	cfg.Source, err = dataset.NewSynthetic(dataset.TaskAnd, 6, 2)
	require.NoError(t, err)
	trainer, err := New(cfg)
	require.NoError(t, err)
	_, err = trainer.Run(ctx)
	assert.ErrorIs(t, err, classifier.ErrPrecondition)
}

func TestNewValidatesConfig(t *testing.T) {
	store := memoryStore(t)
	cases := map[string]func(*Config){
		"source":            func(c *Config) { c.Source = nil },
		"store":             func(c *Config) { c.Store = nil },
		"run id":            func(c *Config) { c.RunID = "" },
		"batch":             func(c *Config) { c.BatchSize = 0 },
		"preliminary batch": func(c *Config) { c.PreliminaryBatchSize = c.BatchSize + 1 },
		"mutation count":    func(c *Config) { c.MutationCount = c.PreliminaryMutationCount + 1 },
		"init batch":        func(c *Config) { c.InitBatchSize = 0 },
	}
	for name, mutate := range cases {
		cfg := testConfig(t, store, 1)
		mutate(&cfg)
		_, err := New(cfg)
		assert.Error(t, err, name)
	}
}
