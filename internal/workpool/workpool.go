// Package workpool fans batch work out over a fixed number of goroutines and
// joins on a hard barrier.
package workpool

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Size resolves a requested worker count. Non-positive values select the
// available hardware parallelism.
func Size(requested int) int {
	if requested > 0 {
		return requested
	}
	return runtime.GOMAXPROCS(0)
}

// Chunks splits [0,total) into at most workers contiguous ranges and calls fn
// once per range on its own goroutine. fn receives its worker index so it can
// write into a private accumulator. Chunks returns after every call finished,
// with the first error encountered.
func Chunks(total, workers int, fn func(worker, start, end int) error) error {
	if total <= 0 {
		return nil
	}
	workers = Size(workers)
	if workers > total {
		workers = total
	}
	if workers == 1 {
		return fn(0, 0, total)
	}

	chunk := (total + workers - 1) / workers
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := min(start+chunk, total)
		if start >= end {
			break
		}
		g.Go(func() error {
			return fn(w, start, end)
		})
	}
	return g.Wait()
}

// Count reports how many ranges Chunks will produce for total items, which is
// the number of private accumulators a caller needs to allocate.
func Count(total, workers int) int {
	if total <= 0 {
		return 0
	}
	workers = Size(workers)
	if workers > total {
		workers = total
	}
	chunk := (total + workers - 1) / workers
	return (total + chunk - 1) / chunk
}
