package upstream

import (
	"context"
	"time"
)

// AwaitTerminal polls the backend until the task reaches a terminal state or
// the attempt cap elapses. Each interval sleep is context-aware, so a
// cancelled caller stops promptly. onProgress, when non-nil, observes every
// probe so the caller can persist intermediate progress.
func AwaitTerminal(ctx context.Context, b Backend, taskID string, maxAttempts int, interval time.Duration, onProgress func(Status)) (Status, error) {
	if maxAttempts <= 0 {
		maxAttempts = 30
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		st, err := b.Poll(ctx, taskID)
		if err != nil {
			return Status{}, err
		}
		if onProgress != nil {
			onProgress(st)
		}
		if st.State.Terminal() {
			return st, nil
		}
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return Status{}, ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return Status{}, ErrGenerationTimeout
}
