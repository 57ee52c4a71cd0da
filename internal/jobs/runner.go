package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/learnhub/lessonguard/internal/metrics"
)

const (
	DefaultSweepInterval     = 5 * time.Minute
	DefaultRetentionInterval = time.Hour
)

type Task struct {
	Name     string
	Interval time.Duration
	Run      func(context.Context) error
}

type Runner struct {
	tasks []Task
	wg    sync.WaitGroup
}

func NewRunner(tasks ...Task) *Runner {
	return &Runner{tasks: tasks}
}

// Start runs every task once immediately and then on its interval until ctx ends.
func (r *Runner) Start(ctx context.Context) {
	for _, t := range r.tasks {
		r.wg.Add(1)
		go func(t Task) {
			defer r.wg.Done()
			r.runEvery(ctx, t.Name, t.Interval, t.Run)
		}(t)
	}
}

// Wait blocks until every task loop has exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		log.Printf("metric=job_run name=%s status=error duration_ms=%d err=%q", name, int64(durMs), err.Error())
		labels["status"] = "error"
	} else {
		log.Printf("metric=job_run name=%s status=ok duration_ms=%d", name, int64(durMs))
		labels["status"] = "ok"
	}
	metrics.Default().IncCounter("lessonguard_job_runs_total", labels)
	metrics.Default().ObserveHistogram("lessonguard_job_duration_ms", durMs, map[string]string{"job": name})
}
