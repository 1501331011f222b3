package dispatch

import (
	"context"
	"log/slog"

	"github.com/atvirokodosprendimai/sitefleet/internal/fanout"
)

// Result is the outcome of one item of a sequential batch.
type Result[T any] struct {
	Item T
	Err  error
}

// Failed counts results carrying an error.
func Failed[T any](results []Result[T]) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// RunBatch executes tasks one after another in the calling goroutine. A
// failing or panicking task is logged and does not stop the rest.
func RunBatch(ctx context.Context, tasks []fanout.Task, exec Executor, log *slog.Logger) []Result[fanout.Task] {
	return ForEach(ctx, tasks, func(ctx context.Context, t fanout.Task) error {
		err := exec.Execute(ctx, t)
		if err != nil {
			log.Error("task failed",
				"site_id", t.SiteID, "task_kind", t.Kind, "target_id", t.TargetID,
				"old_path", t.OldPath, "error", err)
		}
		return err
	})
}

// ForEach applies fn to every item sequentially. Each call is isolated: an
// error or panic is recorded and iteration continues. Cancelling ctx marks
// the remaining items with the context error.
func ForEach[T any](ctx context.Context, items []T, fn func(context.Context, T) error) []Result[T] {
	results := make([]Result[T], 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			results = append(results, Result[T]{Item: item, Err: err})
			continue
		}
		err := Safely(func() error { return fn(ctx, item) })
		results = append(results, Result[T]{Item: item, Err: err})
	}
	return results
}
