package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map applies mapFunc to every element of input using at most limit
// goroutines and returns the results in input order. The first error
// cancels the context passed to the remaining calls and is returned.
// A limit <= 0 means no limit.
//
//	jobs, err := parallel.Map(ctx, 8, ids, load)
func Map[E, D any](ctx context.Context, limit int, input []E, mapFunc func(context.Context, E) (D, error)) ([]D, error) {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	out := make([]D, len(input))
	for i, entry := range input {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := mapFunc(gctx, entry)
			if err != nil {
				return err
			}
			out[i] = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Filter returns the elements of s for which keep is true.
func Filter[T any](s []T, keep func(T) bool) []T {
	ret := s[:0:0]
	for _, x := range s {
		if keep(x) {
			ret = append(ret, x)
		}
	}
	return ret
}
