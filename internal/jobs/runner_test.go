package jobs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/learnhub/lessonguard/internal/metrics"
)

type fakeSweeper struct {
	sweeps int32
	left   int
}

func (f *fakeSweeper) Sweep() int {
	atomic.AddInt32(&f.sweeps, 1)
	return 2
}

func (f *fakeSweeper) Len() int { return f.left }

type fakePruner struct {
	pruneFn func(ctx context.Context, olderThan time.Time) (int64, error)
}

func (f *fakePruner) PruneActivity(ctx context.Context, olderThan time.Time) (int64, error) {
	return f.pruneFn(ctx, olderThan)
}

func TestRunner_RunsImmediatelyAndStopsWithContext(t *testing.T) {
	metrics.ResetDefaultForTest()
	sw := &fakeSweeper{left: 7}
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(TokenSweep(sw, time.Hour))
	r.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&sw.sweeps) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweep never ran")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	r.Wait()

	out := metrics.Default().Render()
	if !strings.Contains(out, "lessonguard_active_tokens 7") {
		t.Fatalf("missing active token gauge: %s", out)
	}
	if !strings.Contains(out, `lessonguard_job_runs_total{job="token_sweep",status="ok"} 1`) {
		t.Fatalf("missing job run counter: %s", out)
	}
}

func TestActivityRetention_UsesCutoff(t *testing.T) {
	now := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	var got time.Time
	task := ActivityRetention(&fakePruner{pruneFn: func(_ context.Context, cutoff time.Time) (int64, error) {
		got = cutoff
		return 3, nil
	}}, 30*24*time.Hour, func() time.Time { return now })

	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected cutoff %s", got)
	}
}

func TestRunner_RecordsErrors(t *testing.T) {
	metrics.ResetDefaultForTest()
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 1)
	r := NewRunner(Task{Name: "broken", Interval: time.Hour, Run: func(context.Context) error {
		ran <- struct{}{}
		return errors.New("db down")
	}})
	r.Start(ctx)
	<-ran
	cancel()
	r.Wait()

	if !strings.Contains(metrics.Default().Render(), `lessonguard_job_runs_total{job="broken",status="error"} 1`) {
		t.Fatal("missing error counter")
	}
}
