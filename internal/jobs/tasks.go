package jobs

import (
	"context"
	"log"
	"time"

	"github.com/learnhub/lessonguard/internal/metrics"
)

type TokenSweeper interface {
	Sweep() int
	Len() int
}

type ActivityPruner interface {
	PruneActivity(ctx context.Context, olderThan time.Time) (int64, error)
}

// TokenSweep evicts expired session tokens and publishes how many remain.
func TokenSweep(st TokenSweeper, interval time.Duration) Task {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return Task{
		Name:     "token_sweep",
		Interval: interval,
		Run: func(context.Context) error {
			evicted := st.Sweep()
			remaining := st.Len()
			metrics.Default().SetGauge("lessonguard_active_tokens", float64(remaining), nil)
			if evicted > 0 {
				log.Printf("event=tokens_swept evicted=%d remaining=%d", evicted, remaining)
			}
			return nil
		},
	}
}

// ActivityRetention deletes activity entries older than retention.
func ActivityRetention(st ActivityPruner, retention time.Duration, now func() time.Time) Task {
	if now == nil {
		now = time.Now
	}
	return Task{
		Name:     "activity_retention",
		Interval: DefaultRetentionInterval,
		Run: func(ctx context.Context) error {
			n, err := st.PruneActivity(ctx, now().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				log.Printf("event=activity_pruned deleted=%d retention_h=%d", n, int(retention.Hours()))
			}
			return nil
		},
	}
}
