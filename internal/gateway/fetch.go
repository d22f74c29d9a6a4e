package gateway

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// FetchAll runs fns concurrently and waits for all of them.
// The first failure cancels the context passed to the others and is the only
// error returned. Callers must discard every result when err is non-nil.
func FetchAll(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error {
			return fn(ctx)
		})
	}
	return g.Wait()
}

// Into adapts a typed fetch into a FetchAll step that stores its result in dst.
// dst is written only when the call succeeds.
func Into[T any](dst *T, fetch func(ctx context.Context) (T, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		v, err := fetch(ctx)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}
