// Package edgebrain is the programmatic entry point for training and
// inspecting gated-circuit classifiers stored in a checkpoint store.
package edgebrain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"edgebrain/internal/classifier"
	"edgebrain/internal/config"
	"edgebrain/internal/dataset"
	"edgebrain/internal/model"
	"edgebrain/internal/probe"
	"edgebrain/internal/storage"
	"edgebrain/internal/telemetry"
	"edgebrain/internal/train"
)

const defaultDBPath = "edgebrain.db"

type Options struct {
	StoreKind string
	DBPath    string
	Logger    *slog.Logger
	// Metrics receives trainer observations. Nil disables them.
	Metrics *telemetry.Metrics
}

type Client struct {
	store   storage.Store
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func NewClient(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	dbPath := opts.DBPath
	if dbPath == "" && opts.StoreKind == "sqlite" {
		dbPath = defaultDBPath
	}
	store, err := storage.NewStore(opts.StoreKind, dbPath, logger)
	if err != nil {
		return nil, err
	}
	return &Client{store: store, logger: logger, metrics: opts.Metrics}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

type TrainRequest struct {
	// RunID names the run. An existing run resumes from its checkpoint; an
	// empty id starts a new run with a random id.
	RunID  string
	Config config.Config
}

type TrainSummary struct {
	RunID        string
	Step         int
	Resumed      bool
	Loss         float64
	Accuracy     float64
	TestLoss     float64
	TestAccuracy float64
	Edges        int
	History      []model.StepMetrics
}

func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return TrainSummary{}, err
	}
	if err := c.store.Init(ctx); err != nil {
		return TrainSummary{}, err
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	source, test, err := openData(cfg.Data)
	if err != nil {
		return TrainSummary{}, err
	}

	probeCfg := probe.DefaultConfig()
	probeCfg.Iters = cfg.Train.ProbeIters
	var rule classifier.SelectionRule
	if cfg.Train.SelectionConfidence != nil {
		rule = classifier.Confidence(*cfg.Train.SelectionConfidence)
	}
	trainer, err := train.New(train.Config{
		RunID:                    runID,
		Source:                   source,
		TestSource:               test,
		Store:                    c.store,
		Logger:                   c.logger,
		Metrics:                  c.metrics,
		HiddenCount:              cfg.Model.HiddenCount,
		EdgeWeight:               cfg.Model.EdgeWeight,
		InitBatchSize:            cfg.Init.BatchSize,
		ReachableFrac:            cfg.Init.ReachableFrac,
		HiddenGroups:             cfg.Init.HiddenGroups,
		Steps:                    cfg.Train.Steps,
		BatchSize:                cfg.Train.BatchSize,
		TestSize:                 cfg.Train.TestSize,
		MutationCount:            cfg.Train.MutationCount,
		MutationSize:             cfg.Train.MutationSize,
		MutationDeleteProb:       cfg.Train.MutationDeleteProb,
		PreliminaryMutationCount: cfg.Train.PreliminaryMutationCount,
		PreliminaryBatchSize:     cfg.Train.PreliminaryBatchSize,
		Search:                   classifier.SearchOptions{Rule: rule, ExactReRank: cfg.Train.ExactReRank},
		EvaluateProbe:            cfg.Train.EvaluateProbe,
		Probe:                    probeCfg,
		SaveInterval:             cfg.Train.SaveInterval,
		Workers:                  cfg.Runtime.Workers,
		Seed:                     cfg.Runtime.Seed,
	})
	if err != nil {
		return TrainSummary{}, err
	}

	res, err := trainer.Run(ctx)
	summary := TrainSummary{RunID: runID, Step: res.Step, Resumed: res.Resumed, History: res.History}
	if res.Classifier != nil {
		summary.Edges = res.Classifier.Circuit.EdgeCount()
	}
	if n := len(res.History); n > 0 {
		last := res.History[n-1]
		summary.Loss, summary.Accuracy = last.Loss, last.Accuracy
		summary.TestLoss, summary.TestAccuracy = last.TestLoss, last.TestAccuracy
	}
	return summary, err
}

type InspectRequest struct {
	RunID  string
	Latest bool
	// HistoryLimit keeps only the last rows of history. Zero keeps all.
	HistoryLimit int
}

type InspectSummary struct {
	RunID      string
	Step       int
	Inputs     int
	Hidden     int
	Outputs    int
	Edges      int
	EdgeWeight float64
	UpdatedAt  time.Time
	History    []model.StepMetrics
}

func (c *Client) Inspect(ctx context.Context, req InspectRequest) (InspectSummary, error) {
	if req.HistoryLimit < 0 {
		return InspectSummary{}, errors.New("history limit must be >= 0")
	}
	checkpoint, m, err := c.loadRun(ctx, req.RunID, req.Latest)
	if err != nil {
		return InspectSummary{}, err
	}
	history, _, err := c.store.GetHistory(ctx, checkpoint.RunID)
	if err != nil {
		return InspectSummary{}, err
	}
	if req.HistoryLimit > 0 && len(history) > req.HistoryLimit {
		history = history[len(history)-req.HistoryLimit:]
	}
	return InspectSummary{
		RunID:      checkpoint.RunID,
		Step:       checkpoint.Step,
		Inputs:     m.Features(),
		Hidden:     len(m.Circuit.HiddenIDs()),
		Outputs:    m.Labels(),
		Edges:      m.Circuit.EdgeCount(),
		EdgeWeight: m.EdgeWeight,
		UpdatedAt:  checkpoint.CreatedAt,
		History:    history,
	}, nil
}

// DataRequest selects a stored run and a fresh sample to evaluate it on.
type DataRequest struct {
	RunID     string
	Latest    bool
	Data      config.DataConfig
	BatchSize int
	Seed      int64
	Workers   int
}

type EquivalenceSummary struct {
	RunID  string
	Hidden int
	Groups [][]int
}

// Equivalence groups the run's hidden nodes by their activation pattern on a
// sampled batch.
func (c *Client) Equivalence(ctx context.Context, req DataRequest) (EquivalenceSummary, error) {
	checkpoint, m, batch, err := c.sampleForRun(ctx, req)
	if err != nil {
		return EquivalenceSummary{}, err
	}
	groups, err := m.EquivalentHiddenNodes(batch.Features)
	if err != nil {
		return EquivalenceSummary{}, err
	}
	return EquivalenceSummary{RunID: checkpoint.RunID, Hidden: len(m.Circuit.HiddenIDs()), Groups: groups}, nil
}

type EvaluateSummary struct {
	RunID    string
	Step     int
	Examples int
	Loss     float64
	Accuracy float64
}

func (c *Client) Evaluate(ctx context.Context, req DataRequest) (EvaluateSummary, error) {
	checkpoint, m, batch, err := c.sampleForRun(ctx, req)
	if err != nil {
		return EvaluateSummary{}, err
	}
	metrics, err := m.Evaluate(batch.Features, batch.Labels)
	if err != nil {
		return EvaluateSummary{}, err
	}
	return EvaluateSummary{
		RunID:    checkpoint.RunID,
		Step:     checkpoint.Step,
		Examples: batch.Len(),
		Loss:     metrics.Loss,
		Accuracy: metrics.Accuracy,
	}, nil
}

type RunsRequest struct {
	Limit int
}

func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]model.RunSummary, error) {
	if err := c.store.Init(ctx); err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(runs) > req.Limit {
		runs = runs[:req.Limit]
	}
	return runs, nil
}

func (c *Client) sampleForRun(ctx context.Context, req DataRequest) (model.Checkpoint, *classifier.Classifier, dataset.Batch, error) {
	if req.BatchSize <= 0 {
		return model.Checkpoint{}, nil, dataset.Batch{}, errors.New("batch size must be > 0")
	}
	checkpoint, m, err := c.loadRun(ctx, req.RunID, req.Latest)
	if err != nil {
		return model.Checkpoint{}, nil, dataset.Batch{}, err
	}
	m.Workers = req.Workers

	source, test, err := openData(req.Data)
	if err != nil {
		return model.Checkpoint{}, nil, dataset.Batch{}, err
	}
	if test != nil {
		source = test
	}
	batch, err := source.Sample(rand.New(rand.NewSource(req.Seed)), req.BatchSize)
	if err != nil {
		return model.Checkpoint{}, nil, dataset.Batch{}, err
	}
	return checkpoint, m, batch, nil
}

func (c *Client) loadRun(ctx context.Context, runID string, latest bool) (model.Checkpoint, *classifier.Classifier, error) {
	if runID != "" && latest {
		return model.Checkpoint{}, nil, errors.New("use either run id or latest")
	}
	if err := c.store.Init(ctx); err != nil {
		return model.Checkpoint{}, nil, err
	}
	if latest {
		runs, err := c.store.ListRuns(ctx)
		if err != nil {
			return model.Checkpoint{}, nil, err
		}
		if len(runs) == 0 {
			return model.Checkpoint{}, nil, errors.New("no runs available")
		}
		runID = runs[0].RunID
	}
	if runID == "" {
		return model.Checkpoint{}, nil, errors.New("run id or latest is required")
	}

	checkpoint, ok, err := c.store.GetCheckpoint(ctx, runID)
	if err != nil {
		return model.Checkpoint{}, nil, err
	}
	if !ok {
		return model.Checkpoint{}, nil, fmt.Errorf("checkpoint not found for run id: %s", runID)
	}
	m, err := classifier.FromRecord(checkpoint.Classifier)
	if err != nil {
		return model.Checkpoint{}, nil, err
	}
	return checkpoint, m, nil
}

// openData returns the training source and, when a test path is set, a
// separate held-out table.
func openData(cfg config.DataConfig) (dataset.Source, dataset.Source, error) {
	source, err := dataset.Open(dataset.Task(cfg.Task), cfg.Width, cfg.Bits, cfg.TrainPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.TestPath == "" {
		return source, nil, nil
	}
	test, err := dataset.LoadTable(cfg.TestPath)
	if err != nil {
		return nil, nil, err
	}
	if test.Features() != source.Features() {
		return nil, nil, fmt.Errorf("%w: test table has %d features, training data has %d",
			dataset.ErrInvalidShape, test.Features(), source.Features())
	}
	return source, test, nil
}
