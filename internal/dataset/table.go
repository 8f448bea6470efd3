package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
)

// Table holds grayscale examples as 0-255 intensities. Sampling binarizes each
// pixel independently: a pixel of value v is on with probability v/255.
type Table struct {
	pixels [][]uint8
	labels []int
	count  int
}

func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := ReadTable(f)
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", path, err)
	}
	return t, nil
}

// ReadTable parses rows of the form label,p0,p1,...,pn. Every row must have
// the same width; labels must be non-negative.
func ReadTable(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	reader.Comment = '#'

	t := &Table{}
	width := -1
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if width < 0 {
			width = len(record) - 1
			if width < 1 {
				return nil, fmt.Errorf("%w: row %d has no pixels", ErrInvalidShape, line)
			}
		}
		if len(record)-1 != width {
			return nil, fmt.Errorf("%w: row %d has %d pixels, want %d", ErrInvalidShape, line, len(record)-1, width)
		}

		label, err := strconv.Atoi(record[0])
		if err != nil || label < 0 {
			return nil, fmt.Errorf("%w: row %d label %q", ErrInvalidShape, line, record[0])
		}
		row := make([]uint8, width)
		for i, field := range record[1:] {
			v, err := strconv.ParseUint(field, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d pixel %d: %v", ErrInvalidShape, line, i, err)
			}
			row[i] = uint8(v)
		}
		t.pixels = append(t.pixels, row)
		t.labels = append(t.labels, label)
		t.count = max(t.count, label+1)
	}
	if len(t.pixels) == 0 {
		return nil, fmt.Errorf("%w: table is empty", ErrInvalidShape)
	}
	return t, nil
}

func (t *Table) Len() int      { return len(t.pixels) }
func (t *Table) Features() int { return len(t.pixels[0]) }
func (t *Table) Labels() int   { return t.count }

// Sample returns n binarized examples. Every full pass over the table is taken
// whole; the remainder is drawn without replacement.
func (t *Table) Sample(rng *rand.Rand, n int) (Batch, error) {
	if n < 0 {
		return Batch{}, fmt.Errorf("%w: negative sample count %d", ErrInvalidShape, n)
	}
	indices := make([]int, 0, n)
	remaining := n
	for remaining > t.Len() {
		for i := range t.pixels {
			indices = append(indices, i)
		}
		remaining -= t.Len()
	}
	indices = append(indices, rng.Perm(t.Len())[:remaining]...)

	batch := Batch{Features: make([][]bool, n), Labels: make([]int, n)}
	for i, idx := range indices {
		batch.Features[i] = t.binarize(rng, idx)
		batch.Labels[i] = t.labels[idx]
	}
	return batch, nil
}

func (t *Table) binarize(rng *rand.Rand, idx int) []bool {
	row := make([]bool, len(t.pixels[idx]))
	for i, v := range t.pixels[idx] {
		row[i] = rng.Intn(255) < int(v)
	}
	return row
}
