package cluster

import (
	"context"
	"sync"
)

// runWorkers fans items out over at most slots goroutines and collects one
// result per processed item. Items are skipped once the context is done, so
// the result set may be shorter than the input.
func runWorkers[T, R any](ctx context.Context, slots int, items []T, fn func(context.Context, T) R) []R {
	if ctx == nil {
		ctx = context.Background()
	}
	if slots <= 1 || len(items) <= 1 {
		out := make([]R, 0, len(items))
		for _, item := range items {
			if ctx.Err() != nil {
				break
			}
			out = append(out, fn(ctx, item))
		}
		return out
	}
	if slots > len(items) {
		slots = len(items)
	}

	tasks := make(chan T)
	results := make(chan R)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for item := range tasks {
			if ctx.Err() != nil {
				continue
			}
			results <- fn(ctx, item)
		}
	}

	for i := 0; i < slots; i++ {
		wg.Add(1)
		go worker()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		for _, item := range items {
			if ctx.Err() != nil {
				break
			}
			tasks <- item
		}
		close(tasks)
	}()

	out := make([]R, 0, len(items))
	for result := range results {
		out = append(out, result)
	}
	return out
}
