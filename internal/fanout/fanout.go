// Package fanout runs one task per item and joins them all. A failing or
// panicking task never cancels its siblings.
package fanout

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// PanicError is handed to the recover callback when a task panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Run calls fn for every item concurrently, with at most limit tasks in
// flight (limit <= 0 means no bound), and returns results in input order.
// If a task panics, onPanic converts the panic into that item's result.
func Run[T, R any](ctx context.Context, limit int, items []T, fn func(context.Context, T) R, onPanic func(T, error) R) []R {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results
	}

	// Tasks always return nil so the group never cancels siblings; no derived
	// context is needed.
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i := range items {
		i := i
		g.Go(func() error {
			defer func() {
				if v := recover(); v != nil {
					perr := &PanicError{Value: v, Stack: debug.Stack()}
					if onPanic != nil {
						results[i] = onPanic(items[i], perr)
					}
				}
			}()
			results[i] = fn(ctx, items[i])
			return nil
		})
	}

	_ = g.Wait()
	return results
}
