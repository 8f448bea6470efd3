package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// EdgeRecord is an edge stored under the enclosing node's owner set.
type EdgeRecord struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type NodeRecord struct {
	ID    int          `json:"id"`
	Kind  string       `json:"kind"`
	Edges []EdgeRecord `json:"edges,omitempty"`
}

type InputPairRecord struct {
	Off int `json:"off"`
	On  int `json:"on"`
}

// ClassifierRecord is the serializable form of a classifier: node ids, kinds
// and owner edge sets, plus the feature and label wiring.
type ClassifierRecord struct {
	Nodes      []NodeRecord      `json:"nodes"`
	Inputs     []InputPairRecord `json:"inputs"`
	Outputs    []int             `json:"outputs"`
	EdgeWeight float64           `json:"edge_weight"`
}

// Checkpoint is a resumable snapshot of a training run.
type Checkpoint struct {
	VersionedRecord
	RunID      string           `json:"run_id"`
	Step       int              `json:"step"`
	Classifier ClassifierRecord `json:"classifier"`
	CreatedAt  time.Time        `json:"created_at"`
}

// StepMetrics is one row of a run's training history.
type StepMetrics struct {
	Step             int      `json:"step"`
	Loss             float64  `json:"loss"`
	Accuracy         float64  `json:"accuracy"`
	TestLoss         float64  `json:"test_loss"`
	TestAccuracy     float64  `json:"test_accuracy"`
	GreedyLoss       float64  `json:"greedy_loss"`
	GreedyMutations  int      `json:"greedy_mutations"`
	MinCandidateLoss float64  `json:"min_candidate_loss"`
	MaxCandidateLoss float64  `json:"max_candidate_loss"`
	Accepted         bool     `json:"accepted"`
	ProbeLoss        *float64 `json:"probe_loss,omitempty"`
	EdgeCount        int      `json:"edge_count"`
	UniqueHidden     int      `json:"unique_hidden"`
	DurationMillis   int64    `json:"duration_ms"`
}

// RunSummary describes a stored run without its full checkpoint payload.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Step      int       `json:"step"`
	Nodes     int       `json:"nodes"`
	Edges     int       `json:"edges"`
	UpdatedAt time.Time `json:"updated_at"`
}
