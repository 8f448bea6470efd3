// Package train runs the outer search loop: sample a batch, try randomly
// perturbed and greedily repaired variants of the model, keep the best one if
// it beats the current loss, and checkpoint periodically.
package train

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"edgebrain/internal/bitset"
	"edgebrain/internal/circuit"
	"edgebrain/internal/classifier"
	"edgebrain/internal/dataset"
	"edgebrain/internal/model"
	"edgebrain/internal/probe"
	"edgebrain/internal/storage"
	"edgebrain/internal/telemetry"
)

type Config struct {
	RunID  string
	Source dataset.Source
	// TestSource supplies held-out examples. Nil samples them from Source.
	TestSource dataset.Source
	Store      storage.Store
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics

	HiddenCount   int
	EdgeWeight    float64
	InitBatchSize int
	ReachableFrac float64
	HiddenGroups  int

	// Steps is the last step to run. A resumed run continues from its
	// checkpointed step.
	Steps                    int
	BatchSize                int
	TestSize                 int
	MutationCount            int
	MutationSize             int
	MutationDeleteProb       float64
	PreliminaryMutationCount int
	PreliminaryBatchSize     int
	Search                   classifier.SearchOptions
	EvaluateProbe            bool
	Probe                    probe.Config
	SaveInterval             int
	Workers                  int
	Seed                     int64

	// Now defaults to time.Now.
	Now func() time.Time
}

type Result struct {
	RunID      string
	Step       int
	Resumed    bool
	Classifier *classifier.Classifier
	History    []model.StepMetrics
}

type Trainer struct {
	cfg Config
}

func New(cfg Config) (*Trainer, error) {
	if cfg.Source == nil {
		return nil, errors.New("data source is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0")
	}
	if cfg.PreliminaryBatchSize <= 0 || cfg.PreliminaryBatchSize > cfg.BatchSize {
		return nil, fmt.Errorf("preliminary batch size must be in [1, batch size]")
	}
	if cfg.MutationCount < 0 || cfg.MutationCount > cfg.PreliminaryMutationCount {
		return nil, fmt.Errorf("mutation count must be in [0, preliminary mutation count]")
	}
	if cfg.MutationSize < 0 || cfg.TestSize < 0 || cfg.Steps < 0 {
		return nil, fmt.Errorf("mutation size, test size and steps must be >= 0")
	}
	if cfg.InitBatchSize <= 0 {
		return nil, fmt.Errorf("init batch size must be > 0")
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Probe == (probe.Config{}) {
		cfg.Probe = probe.DefaultConfig()
	}
	return &Trainer{cfg: cfg}, nil
}

// Run resumes the run from its checkpoint, or initializes a new model, and
// trains until Steps. Cancellation is honored between steps; the last
// completed step is checkpointed before returning the context error.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	m, step, resumed, err := t.load(ctx)
	if err != nil {
		return Result{}, err
	}
	// Reseed per resume point so a resumed run does not replay earlier batches.
	rng := rand.New(rand.NewSource(t.cfg.Seed + int64(step)))
	logger := t.cfg.Logger.With(slog.String("run_id", t.cfg.RunID))

	if !resumed {
		if err := t.initialize(ctx, rng, m, logger); err != nil {
			return Result{}, err
		}
	}

	result := Result{RunID: t.cfg.RunID, Step: step, Resumed: resumed, Classifier: m}
	lastSaved := step
	for step < t.cfg.Steps {
		if err := ctx.Err(); err != nil {
			if lastSaved != step {
				if saveErr := t.save(context.WithoutCancel(ctx), m, step); saveErr != nil {
					return result, errors.Join(err, saveErr)
				}
			}
			return result, err
		}
		step++

		next, row, err := t.step(ctx, rng, m, step)
		if err != nil {
			return result, fmt.Errorf("step %d: %w", step, err)
		}
		m = next
		result.Step = step
		result.Classifier = m
		result.History = append(result.History, row)

		logStep(logger, row)
		if err := t.cfg.Store.AppendHistory(ctx, t.cfg.RunID, row); err != nil {
			return result, err
		}
		if step%t.cfg.SaveInterval == 0 || step == t.cfg.Steps {
			if err := t.save(ctx, m, step); err != nil {
				return result, err
			}
			lastSaved = step
		}
	}
	return result, nil
}

func (t *Trainer) load(ctx context.Context) (*classifier.Classifier, int, bool, error) {
	checkpoint, ok, err := t.cfg.Store.GetCheckpoint(ctx, t.cfg.RunID)
	if err != nil {
		return nil, 0, false, err
	}
	if ok {
		m, err := classifier.FromRecord(checkpoint.Classifier)
		if err != nil {
			return nil, 0, false, fmt.Errorf("restore %s: %w", t.cfg.RunID, err)
		}
		if m.Features() != t.cfg.Source.Features() || m.Labels() != t.cfg.Source.Labels() {
			return nil, 0, false, fmt.Errorf("%w: checkpoint has %d features and %d labels, data has %d and %d",
				classifier.ErrPrecondition, m.Features(), m.Labels(), t.cfg.Source.Features(), t.cfg.Source.Labels())
		}
		m.Workers = t.cfg.Workers
		return m, checkpoint.Step, true, nil
	}
	m, err := classifier.New(t.cfg.Source.Features(), t.cfg.Source.Labels(), t.cfg.HiddenCount, t.cfg.EdgeWeight)
	if err != nil {
		return nil, 0, false, err
	}
	m.Workers = t.cfg.Workers
	return m, 0, false, nil
}

func (t *Trainer) initialize(ctx context.Context, rng *rand.Rand, m *classifier.Classifier, logger *slog.Logger) error {
	batch, err := t.cfg.Source.Sample(rng, t.cfg.InitBatchSize)
	if err != nil {
		return err
	}
	added, err := m.RandomlyInitialize(rng, batch.Features, t.cfg.ReachableFrac, t.cfg.HiddenGroups)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	groups, err := m.EquivalentHiddenNodes(batch.Features)
	if err != nil {
		return err
	}
	logger.Info("initialized model",
		slog.Int("insertions", added),
		slog.Int("unique_hidden", len(groups)),
	)
	return t.save(ctx, m, 0)
}

func (t *Trainer) save(ctx context.Context, m *classifier.Classifier, step int) error {
	return t.cfg.Store.SaveCheckpoint(ctx, model.Checkpoint{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           t.cfg.RunID,
		Step:            step,
		Classifier:      m.ToRecord(),
		CreatedAt:       t.cfg.Now().UTC(),
	})
}

// candidate is one greedily repaired variant and the total number of edits
// separating it from the current model.
type candidate struct {
	result classifier.GreedyResult
	edits  int
}

func (t *Trainer) step(ctx context.Context, rng *rand.Rand, m *classifier.Classifier, step int) (*classifier.Classifier, model.StepMetrics, error) {
	_, span := telemetry.Tracer().Start(ctx, "train.Trainer.Step",
		trace.WithAttributes(
			attribute.String("run_id", t.cfg.RunID),
			attribute.Int("step", step),
		),
	)
	defer span.End()

	next, row, candidates, err := t.runStep(rng, m, step)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		return nil, model.StepMetrics{}, err
	}
	span.SetAttributes(
		attribute.Float64("loss", row.Loss),
		attribute.Float64("min_candidate_loss", row.MinCandidateLoss),
		attribute.Bool("accepted", row.Accepted),
		attribute.Int("edges", row.EdgeCount),
	)
	span.SetStatus(codes.Ok, "")

	losses := make([]float64, len(candidates))
	for i, c := range candidates {
		losses[i] = c.result.Loss
	}
	obs := telemetry.StepObservation{
		Accepted:       row.Accepted,
		Loss:           row.Loss,
		Accuracy:       row.Accuracy,
		TestLoss:       row.TestLoss,
		TestAccuracy:   row.TestAccuracy,
		Edges:          row.EdgeCount,
		UniqueHidden:   row.UniqueHidden,
		CandidateLoss:  losses,
		Duration:       time.Duration(row.DurationMillis) * time.Millisecond,
		HasTestMetrics: t.cfg.TestSize > 0,
	}
	if row.Accepted {
		obs.Mutations = candidates[bestIndex(candidates)].edits
	}
	t.cfg.Metrics.ObserveStep(obs)
	return next, row, nil
}

func (t *Trainer) runStep(rng *rand.Rand, m *classifier.Classifier, step int) (*classifier.Classifier, model.StepMetrics, []candidate, error) {
	start := t.cfg.Now()
	batch, err := t.cfg.Source.Sample(rng, t.cfg.BatchSize)
	if err != nil {
		return nil, model.StepMetrics{}, nil, err
	}
	current, err := m.Evaluate(batch.Features, batch.Labels)
	if err != nil {
		return nil, model.StepMetrics{}, nil, err
	}
	row := model.StepMetrics{
		Step:      step,
		Loss:      current.Loss,
		Accuracy:  current.Accuracy,
		EdgeCount: m.Circuit.EdgeCount(),
	}

	var test dataset.Batch
	if t.cfg.TestSize > 0 {
		test, err = t.testSource().Sample(rng, t.cfg.TestSize)
		if err != nil {
			return nil, model.StepMetrics{}, nil, err
		}
		held, err := m.Evaluate(test.Features, test.Labels)
		if err != nil {
			return nil, model.StepMetrics{}, nil, err
		}
		row.TestLoss, row.TestAccuracy = held.Loss, held.Accuracy
	}

	groups, err := m.EquivalentHiddenNodes(batch.Features)
	if err != nil {
		return nil, model.StepMetrics{}, nil, err
	}
	row.UniqueHidden = len(groups)

	if t.cfg.EvaluateProbe {
		loss, err := t.probeLoss(rng, m, batch, test)
		if err != nil {
			return nil, model.StepMetrics{}, nil, fmt.Errorf("probe: %w", err)
		}
		row.ProbeLoss = &loss
	}

	candidates, err := t.candidates(rng, m, batch)
	if err != nil {
		return nil, model.StepMetrics{}, nil, err
	}
	base, err := m.GreedilyMutated(batch.Features, batch.Labels, t.cfg.Search)
	if err != nil {
		return nil, model.StepMetrics{}, nil, err
	}
	candidates = append(candidates, candidate{result: base, edits: len(base.Mutations)})
	row.GreedyLoss = base.Loss
	row.GreedyMutations = len(base.Mutations)

	best := bestIndex(candidates)
	row.MinCandidateLoss = candidates[best].result.Loss
	row.MaxCandidateLoss = row.MinCandidateLoss
	for _, c := range candidates {
		row.MaxCandidateLoss = max(row.MaxCandidateLoss, c.result.Loss)
	}

	next := m
	if candidates[best].result.Loss < current.Loss {
		next = candidates[best].result.Classifier
		row.Accepted = true
		row.EdgeCount = next.Circuit.EdgeCount()
	}
	row.DurationMillis = t.cfg.Now().Sub(start).Milliseconds()
	return next, row, candidates, nil
}

// candidates perturbs PreliminaryMutationCount copies of m, repairs each with
// a greedy pass on the batch prefix, and re-runs the greedy pass on the full
// batch for the MutationCount best.
func (t *Trainer) candidates(rng *rand.Rand, m *classifier.Classifier, batch dataset.Batch) ([]candidate, error) {
	head := batch.Head(t.cfg.PreliminaryBatchSize)
	preliminary := make([]candidate, 0, t.cfg.PreliminaryMutationCount)
	for range t.cfg.PreliminaryMutationCount {
		variant := m.Clone()
		applied, err := variant.Mutate(rng, t.cfg.MutationSize, t.cfg.MutationDeleteProb)
		if err != nil && !errors.Is(err, circuit.ErrConfigurationExhausted) {
			return nil, err
		}
		res, err := variant.GreedilyMutated(head.Features, head.Labels, t.cfg.Search)
		if err != nil {
			return nil, err
		}
		preliminary = append(preliminary, candidate{result: res, edits: len(applied) + len(res.Mutations)})
	}
	// Stable so equal losses keep generation order.
	slices.SortStableFunc(preliminary, func(a, b candidate) int {
		return cmp.Compare(a.result.Loss, b.result.Loss)
	})

	kept := preliminary[:min(t.cfg.MutationCount, len(preliminary))]
	out := make([]candidate, 0, len(kept)+1)
	for _, c := range kept {
		res, err := c.result.Classifier.GreedilyMutated(batch.Features, batch.Labels, t.cfg.Search)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{result: res, edits: c.edits + len(res.Mutations)})
	}
	return out, nil
}

// bestIndex returns the first candidate with the lowest loss.
func bestIndex(candidates []candidate) int {
	best := 0
	for i, c := range candidates {
		if c.result.Loss < candidates[best].result.Loss {
			best = i
		}
	}
	return best
}

// probeLoss fits a linear probe to the hidden activations on batch and reports
// its loss on test, or on batch when there is no test set.
func (t *Trainer) probeLoss(rng *rand.Rand, m *classifier.Classifier, batch, test dataset.Batch) (float64, error) {
	hidden := m.Circuit.HiddenIDs()
	inputs, err := activations(m, hidden, batch)
	if err != nil {
		return 0, err
	}
	p := probe.New(rng, len(hidden), m.Labels())
	if err := p.Fit(rng, inputs, batch.Labels, t.cfg.Probe); err != nil {
		return 0, err
	}
	if test.Len() == 0 {
		return p.Loss(inputs, batch.Labels)
	}
	testInputs, err := activations(m, hidden, test)
	if err != nil {
		return 0, err
	}
	return p.Loss(testInputs, test.Labels)
}

func activations(m *classifier.Classifier, hidden []int, batch dataset.Batch) ([][]int, error) {
	results, err := m.RunBatch(batch.Features)
	if err != nil {
		return nil, err
	}
	active := make([]*bitset.BitSet, len(results))
	for i, r := range results {
		active[i] = r.Active
	}
	return probe.Inputs(hidden, active), nil
}

func (t *Trainer) testSource() dataset.Source {
	if t.cfg.TestSource != nil {
		return t.cfg.TestSource
	}
	return t.cfg.Source
}

func logStep(logger *slog.Logger, row model.StepMetrics) {
	attrs := []slog.Attr{
		slog.Int("step", row.Step),
		slog.Float64("loss", row.Loss),
		slog.Float64("acc", row.Accuracy),
		slog.Float64("test_loss", row.TestLoss),
		slog.Float64("test_acc", row.TestAccuracy),
		slog.Float64("greedy", row.GreedyLoss),
		slog.Int("greedy_count", row.GreedyMutations),
		slog.Float64("min", row.MinCandidateLoss),
		slog.Float64("max", row.MaxCandidateLoss),
		slog.Bool("accepted", row.Accepted),
		slog.Int("edges", row.EdgeCount),
		slog.Int("unique_hidden", row.UniqueHidden),
	}
	if row.ProbeLoss != nil {
		attrs = append(attrs, slog.Float64("linear_loss", *row.ProbeLoss))
	}
	logger.LogAttrs(context.Background(), slog.LevelInfo, "step", attrs...)
}
