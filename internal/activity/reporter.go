// Package activity keeps the per-user suspicious-activity log and decides which entries
// deserve an alert.
package activity

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/learnhub/lessonguard/internal/metrics"
	"github.com/learnhub/lessonguard/internal/model"
)

const DefaultCapacity = 100

var DefaultAlertKinds = []model.ViolationKind{
	model.ViolationScriptInjection,
	model.ViolationDownloadLinkInjection,
	model.ViolationDevToolsOpened,
	model.ViolationTokenValidation,
}

// Persister stores entries durably. store.Store implements it.
type Persister interface {
	RecordActivity(ctx context.Context, e model.ActivityEntry, keep int) error
	ListActivity(ctx context.Context, userID string, limit int) ([]model.ActivityEntry, error)
}

type Options struct {
	Capacity   int
	AlertKinds []model.ViolationKind
	Persister  Persister
	Now        func() time.Time
}

type Reporter struct {
	capacity int
	alerts   map[model.ViolationKind]bool
	persist  Persister
	now      func() time.Time

	mu   sync.Mutex
	logs map[string][]model.ActivityEntry
}

func NewReporter(opts Options) *Reporter {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.AlertKinds == nil {
		opts.AlertKinds = DefaultAlertKinds
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	alerts := make(map[model.ViolationKind]bool, len(opts.AlertKinds))
	for _, k := range opts.AlertKinds {
		alerts[k] = true
	}
	return &Reporter{
		capacity: opts.Capacity,
		alerts:   alerts,
		persist:  opts.Persister,
		now:      opts.Now,
		logs:     make(map[string][]model.ActivityEntry),
	}
}

// Report records e and returns whether its kind is one that raises an alert. The entry
// is kept in memory even when persisting it fails.
func (r *Reporter) Report(ctx context.Context, e model.ActivityEntry) (bool, error) {
	if e.ID == "" {
		e.ID = "act_" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	alert := r.alerts[e.Kind]

	r.mu.Lock()
	entries := append(r.logs[e.UserID], e)
	if len(entries) > r.capacity {
		entries = append([]model.ActivityEntry(nil), entries[len(entries)-r.capacity:]...)
	}
	r.logs[e.UserID] = entries
	r.mu.Unlock()

	metrics.Default().IncCounter("lessonguard_violations_total", map[string]string{"kind": string(e.Kind), "alert": boolLabel(alert)})
	if alert {
		log.Printf("event=security_alert user_id=%s lesson_id=%s kind=%s detail=%q", e.UserID, e.LessonID, e.Kind, e.Detail)
	} else {
		log.Printf("event=security_violation user_id=%s lesson_id=%s kind=%s", e.UserID, e.LessonID, e.Kind)
	}

	if r.persist != nil {
		if err := r.persist.RecordActivity(ctx, e, r.capacity); err != nil {
			return alert, err
		}
	}
	return alert, nil
}

// Recent returns the user's entries newest first, from the persister when one is set.
func (r *Reporter) Recent(ctx context.Context, userID string) ([]model.ActivityEntry, error) {
	if r.persist != nil {
		return r.persist.ListActivity(ctx, userID, r.capacity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.logs[userID]
	out := make([]model.ActivityEntry, len(src))
	for i, e := range src {
		out[len(src)-1-i] = e
	}
	return out, nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
