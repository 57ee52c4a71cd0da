package guard

import (
	"context"
	"time"

	"github.com/learnhub/lessonguard/internal/model"
)

type Dimensions struct {
	OuterWidth  int
	OuterHeight int
	InnerWidth  int
	InnerHeight int
}

// WindowMetrics samples the host window size.
type WindowMetrics func() Dimensions

func (g *Guard) poll(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.CheckDevTools()
		}
	}
}

// CheckDevTools is a best-effort guess from the window chrome size. Docked panels push the
// outer/inner delta past the threshold; undocked panels and some zoom levels fool it either
// way. A violation is counted on each closed to open transition.
func (g *Guard) CheckDevTools() bool {
	if g.opts.Disabled || g.opts.Window == nil {
		return false
	}
	d := g.opts.Window()
	open := d.OuterWidth-d.InnerWidth > g.opts.DevToolsThreshold ||
		d.OuterHeight-d.InnerHeight > g.opts.DevToolsThreshold

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	rising := open && !g.devOpen
	g.devOpen = open
	g.mu.Unlock()

	if rising {
		g.violation(model.ViolationDevToolsOpened)
	}
	return open
}
