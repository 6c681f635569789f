package dispatch

import "context"

// Work runs off the dispatch path and returns an optional continuation
// that must run back on it.
type Work func(ctx context.Context) func(ctx context.Context)

// Executor runs network-bound work without blocking the dispatcher.
type Executor interface {
	Go(ctx context.Context, work Work)
}

// InlineExecutor runs work and its continuation synchronously.
type InlineExecutor struct{}

func (InlineExecutor) Go(ctx context.Context, work Work) {
	if next := work(ctx); next != nil {
		next(ctx)
	}
}
