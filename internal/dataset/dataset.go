// Package dataset supplies batches of boolean feature vectors with integer
// labels.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"
)

var (
	ErrUnknownTask  = errors.New("unknown synthetic task")
	ErrInvalidShape = errors.New("invalid dataset shape")
)

// Batch pairs each feature vector with its label.
type Batch struct {
	Features [][]bool
	Labels   []int
}

func (b Batch) Len() int { return len(b.Labels) }

// Head returns the first n examples, or the whole batch when n is larger.
func (b Batch) Head(n int) Batch {
	n = min(max(n, 0), b.Len())
	return Batch{Features: b.Features[:n], Labels: b.Labels[:n]}
}

// Source draws random batches. Implementations must be safe to call from one
// goroutine at a time with the caller's generator.
type Source interface {
	Sample(rng *rand.Rand, n int) (Batch, error)
	Features() int
	Labels() int
}

// Task names a synthetic boolean function of the first Bits features.
type Task string

const (
	TaskXOR      Task = "xor"
	TaskParity   Task = "parity"
	TaskMajority Task = "majority"
	TaskAnd      Task = "and"
)

// Synthetic labels uniformly random feature vectors with a boolean function of
// their first Bits features. The remaining features are noise.
type Synthetic struct {
	task  Task
	width int
	bits  int
}

func NewSynthetic(task Task, width, bits int) (*Synthetic, error) {
	switch task {
	case TaskXOR:
		if bits == 0 {
			bits = 2
		}
		if bits != 2 {
			return nil, fmt.Errorf("%w: xor uses 2 bits, got %d", ErrInvalidShape, bits)
		}
	case TaskParity, TaskMajority, TaskAnd:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, task)
	}
	if bits < 1 || width < bits {
		return nil, fmt.Errorf("%w: width=%d bits=%d", ErrInvalidShape, width, bits)
	}
	return &Synthetic{task: task, width: width, bits: bits}, nil
}

func (s *Synthetic) Features() int { return s.width }
func (s *Synthetic) Labels() int   { return 2 }

func (s *Synthetic) Label(features []bool) int {
	ones := 0
	for _, f := range features[:s.bits] {
		if f {
			ones++
		}
	}
	var out bool
	switch s.task {
	case TaskXOR, TaskParity:
		out = ones%2 == 1
	case TaskMajority:
		out = 2*ones > s.bits
	case TaskAnd:
		out = ones == s.bits
	}
	if out {
		return 1
	}
	return 0
}

func (s *Synthetic) Sample(rng *rand.Rand, n int) (Batch, error) {
	if n < 0 {
		return Batch{}, fmt.Errorf("%w: negative sample count %d", ErrInvalidShape, n)
	}
	batch := Batch{Features: make([][]bool, n), Labels: make([]int, n)}
	for i := range n {
		row := make([]bool, s.width)
		for j := range row {
			row[j] = rng.Intn(2) == 1
		}
		batch.Features[i] = row
		batch.Labels[i] = s.Label(row)
	}
	return batch, nil
}

// TaskTable selects a CSV intensity table instead of a synthetic task.
const TaskTable Task = "table"

// Open builds the source named by task. path is only read for TaskTable.
func Open(task Task, width, bits int, path string) (Source, error) {
	if task == TaskTable {
		return LoadTable(path)
	}
	return NewSynthetic(task, width, bits)
}
