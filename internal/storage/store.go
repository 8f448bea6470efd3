package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"edgebrain/internal/model"
)

var ErrInvalidRunID = errors.New("invalid run id")

// Store persists training checkpoints and per-step history keyed by run id.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error
	GetCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error)
	ListRuns(ctx context.Context) ([]model.RunSummary, error)
	AppendHistory(ctx context.Context, runID string, rows ...model.StepMetrics) error
	GetHistory(ctx context.Context, runID string) ([]model.StepMetrics, bool, error)
}

func validateRunID(runID string) error {
	if runID == "" || strings.ContainsAny(runID, "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return nil
}

// Summarize derives the listing row for a checkpoint.
func Summarize(checkpoint model.Checkpoint) model.RunSummary {
	edges := 0
	for _, n := range checkpoint.Classifier.Nodes {
		edges += len(n.Edges)
	}
	return model.RunSummary{
		RunID:     checkpoint.RunID,
		Step:      checkpoint.Step,
		Nodes:     len(checkpoint.Classifier.Nodes),
		Edges:     edges,
		UpdatedAt: checkpoint.CreatedAt,
	}
}

// sortRuns orders the most recently updated runs first.
func sortRuns(runs []model.RunSummary) {
	slices.SortFunc(runs, func(a, b model.RunSummary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.RunID, b.RunID)
	})
}

// mergeHistory adds rows to existing, replacing rows with the same step, and
// returns the result ordered by step.
func mergeHistory(existing []model.StepMetrics, rows []model.StepMetrics) []model.StepMetrics {
	byStep := make(map[int]model.StepMetrics, len(existing)+len(rows))
	for _, r := range existing {
		byStep[r.Step] = r
	}
	for _, r := range rows {
		byStep[r.Step] = r
	}
	merged := make([]model.StepMetrics, 0, len(byStep))
	for _, r := range byStep {
		merged = append(merged, r)
	}
	slices.SortFunc(merged, func(a, b model.StepMetrics) int { return cmp.Compare(a.Step, b.Step) })
	return merged
}
