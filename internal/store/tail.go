package store

import (
	"context"

	"github.com/loglens/api/internal/model"
)

// tailEvents pumps one subscription: backlog after from, then live events
// each time notify fires. Runs on its own goroutine so a slow receiver only
// stalls itself. terminal reports whether the job has reached a final
// status; since every transition appends its lifecycle event in the same
// unit of work, an empty fetch on a terminal job means the log is fully
// delivered.
func tailEvents(
	ctx context.Context,
	out chan<- model.JobEvent,
	notify <-chan struct{},
	fetch func(context.Context, int64) ([]model.JobEvent, error),
	terminal func(context.Context) (bool, error),
	from int64,
) {
	defer close(out)

	cursor := from
	for {
		events, err := fetch(ctx, cursor)
		if err != nil {
			return
		}

		for _, evt := range events {
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
			cursor = evt.Seq
			if evt.Terminal() {
				return
			}
		}

		if len(events) == 0 {
			done, err := terminal(ctx)
			if err != nil {
				return
			}
			if done {
				// The job may have finalized between the empty fetch
				// above and this status read; the terminal event would
				// then sit just past the cursor. Drain once more so it
				// is never skipped.
				final, err := fetch(ctx, cursor)
				if err != nil {
					return
				}
				for _, evt := range final {
					select {
					case out <- evt:
					case <-ctx.Done():
						return
					}
				}
				return
			}
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return
		}
	}
}
