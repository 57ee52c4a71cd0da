// Package guard classifies player-page input and DOM events into violations.
//
// It is friction and telemetry for an untrusted client: a determined user can bypass every
// check here. Nothing downstream should treat a quiet guard as proof of anything.
package guard

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/learnhub/lessonguard/internal/model"
)

type EventType int

const (
	EventContextMenu EventType = iota
	EventDragStart
	EventSelectStart
	EventCopy
	EventPrint
	EventKeyDown
	EventNodeInserted
)

type Event struct {
	Type  EventType
	Key   string
	Ctrl  bool
	Meta  bool
	Shift bool
	Tag   string
	Href  string
}

// Decision tells the host what to do with the event it just delivered.
type Decision struct {
	Cancel    bool
	Remove    bool
	Violation model.ViolationKind
}

type KeyCombo struct {
	Key   string
	Mod   bool // Ctrl or Cmd
	Shift bool
}

var DefaultDeniedKeys = []KeyCombo{
	{Key: "F12"},
	{Key: "PrintScreen"},
	{Key: "I", Mod: true, Shift: true},
	{Key: "J", Mod: true, Shift: true},
	{Key: "C", Mod: true, Shift: true},
	{Key: "U", Mod: true},
	{Key: "S", Mod: true},
	{Key: "P", Mod: true},
}

// Options configure a Guard. The zero value monitors with the default limits.
type Options struct {
	Disabled      bool
	MaxViolations int
	Policy        AlertPolicy
	DeniedKeys    []KeyCombo
	OnViolation   func(kind model.ViolationKind, count int)

	// Window and the fields below drive the dev-tools heuristic; nil Window disables it.
	Window            WindowMetrics
	PollInterval      time.Duration
	DevToolsThreshold int
}

type Guard struct {
	opts    Options
	counter *Counter

	mu       sync.Mutex
	closed   bool
	devOpen  bool
	stopPoll context.CancelFunc
	done     chan struct{}
}

func New(opts Options) *Guard {
	if opts.MaxViolations <= 0 {
		opts.MaxViolations = 5
	}
	if opts.DeniedKeys == nil {
		opts.DeniedKeys = DefaultDeniedKeys
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.DevToolsThreshold <= 0 {
		opts.DevToolsThreshold = 200
	}
	g := &Guard{opts: opts, counter: NewCounter(opts.MaxViolations, opts.Policy)}
	if !opts.Disabled && opts.Window != nil {
		ctx, cancel := context.WithCancel(context.Background())
		g.stopPoll = cancel
		g.done = make(chan struct{})
		go g.poll(ctx)
	}
	return g
}

func (g *Guard) Count() int { return g.counter.Count() }

func (g *Guard) Handle(ev Event) Decision {
	if g.opts.Disabled || g.isClosed() {
		return Decision{}
	}
	d := classify(ev, g.opts.DeniedKeys)
	if d.Violation != "" {
		g.violation(d.Violation)
	}
	return d
}

func classify(ev Event, denied []KeyCombo) Decision {
	switch ev.Type {
	case EventContextMenu:
		return Decision{Cancel: true, Violation: model.ViolationRightClick}
	case EventDragStart:
		return Decision{Cancel: true, Violation: model.ViolationDrag}
	case EventSelectStart:
		return Decision{Cancel: true, Violation: model.ViolationTextSelection}
	case EventCopy:
		return Decision{Cancel: true, Violation: model.ViolationCopy}
	case EventPrint:
		return Decision{Cancel: true, Violation: model.ViolationPrint}
	case EventKeyDown:
		if keyDenied(ev, denied) {
			return Decision{Cancel: true, Violation: model.ViolationForbiddenKey}
		}
	case EventNodeInserted:
		switch strings.ToLower(ev.Tag) {
		case "script", "iframe":
			return Decision{Remove: true, Violation: model.ViolationScriptInjection}
		case "a":
			href := strings.ToLower(ev.Href)
			if strings.Contains(href, "download") || strings.Contains(href, "video") {
				return Decision{Remove: true, Violation: model.ViolationDownloadLinkInjection}
			}
		}
	}
	return Decision{}
}

func keyDenied(ev Event, denied []KeyCombo) bool {
	mod := ev.Ctrl || ev.Meta
	for _, k := range denied {
		if !strings.EqualFold(k.Key, ev.Key) {
			continue
		}
		if k.Mod && !mod {
			continue
		}
		if k.Shift && !ev.Shift {
			continue
		}
		return true
	}
	return false
}

func (g *Guard) violation(kind model.ViolationKind) {
	if g.isClosed() {
		return
	}
	count, fire := g.counter.Record()
	if fire && g.opts.OnViolation != nil {
		g.opts.OnViolation(kind, count)
	}
}

func (g *Guard) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Close stops the poller and returns without waiting for it, so it may be called from
// OnViolation. Safe to call more than once.
func (g *Guard) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	stop := g.stopPoll
	g.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Done is closed once the poller has exited. It is nil when no poller was started.
func (g *Guard) Done() <-chan struct{} {
	return g.done
}
