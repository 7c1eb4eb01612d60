// Package orchestrator holds helpers shared by the compute backends.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultFanOut bounds concurrent API calls made by a single backend operation.
const DefaultFanOut = 8

// Each runs fn for every item with at most limit calls in flight and waits for
// all of them. A failing item never cancels the others; every error is
// returned, joined.
func Each[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) error) error {
	if limit <= 0 {
		limit = DefaultFanOut
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(limit)
	for _, item := range items {
		g.Go(func() error {
			if err := fn(ctx, item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
