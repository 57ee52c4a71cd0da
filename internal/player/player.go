// Package player drives one lesson view from lesson lookup through grant validation to
// a running media pipeline, and tears the whole session down again.
//
// It is the client half of lessonguard: a host embeds a Player, points it at the access
// API through lms.AccessClient, and forwards page events to HandleEvent.
package player

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/learnhub/lessonguard/internal/guard"
	"github.com/learnhub/lessonguard/internal/hls"
	"github.com/learnhub/lessonguard/internal/model"
	"github.com/learnhub/lessonguard/internal/netmon"
)

type Status string

const (
	StatusInitializing     Status = "initializing"
	StatusGettingSecureURL Status = "getting_secure_url"
	StatusSecure           Status = "secure"
	StatusReady            Status = "ready"
	StatusFallback         Status = "fallback"
	StatusError            Status = "error"
)

var (
	ErrNoVideoAvailable = errors.New("no video available")
	ErrHlsNotSupported  = errors.New("hls not supported")
	ErrHlsError         = errors.New("hls error")
	ErrVideoLoadError   = errors.New("video load error")
	ErrPlayError        = errors.New("play error")
	ErrAccessValidation = errors.New("access validation failed")
	ErrSuperseded       = errors.New("load superseded by a newer one")
)

const DefaultControlsHideDelay = 3 * time.Second

type LessonSource interface {
	GetLesson(ctx context.Context, lessonID string) (*model.Lesson, error)
}

type AccessAPI interface {
	RequestSecureURL(ctx context.Context, lessonID string) (model.SecureGrant, error)
	ValidateToken(ctx context.Context, token, lessonID string) (model.TokenValidation, error)
}

type Reporter interface {
	Report(ctx context.Context, e model.ActivityEntry) (bool, error)
}

// MediaElement is the host's playback surface. It also takes fragments from the
// adaptive engine.
type MediaElement interface {
	hls.Sink
	SetSource(url string)
	ClearSource()
	Pause()
	Play(ctx context.Context) error
	CanPlayHLS() bool
}

type Options struct {
	UserID     string
	Lessons    LessonSource
	Access     AccessAPI
	Media      MediaElement
	HTTPClient *http.Client
	NewEngine  EngineFactory
	Reporter   Reporter

	// Guard and Monitor are templates for the protected pipeline; callbacks are set by
	// the player.
	Guard   guard.Options
	Monitor netmon.Options

	OnVideoEnd          func()
	OnSecurityViolation func(kind model.ViolationKind)

	ControlsHideDelay time.Duration
	Now               func() time.Time
}

type Snapshot struct {
	LessonID        string
	Status          Status
	Err             error
	Pipeline        Pipeline
	Source          string
	Protected       bool
	Playing         bool
	ControlsVisible bool
}

type session struct {
	lessonID    string
	ctx         context.Context
	cancel      context.CancelFunc
	engine      Engine
	guard       *guard.Guard
	monitor     *netmon.Session
	stopMonitor func()
}

type Player struct {
	opts Options

	mu          sync.Mutex
	epoch       uint64
	sess        *session
	status      Status
	err         error
	pipeline    Pipeline
	source      string
	protected   bool
	playing     bool
	controls    bool
	controlsTmr *time.Timer
}

func New(opts Options) *Player {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.ControlsHideDelay <= 0 {
		opts.ControlsHideDelay = DefaultControlsHideDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Player{opts: opts, status: StatusInitializing}
}

// Load replaces whatever is playing with lessonID. A nil lesson is fetched through
// Options.Lessons. Load returns ErrSuperseded when a newer Load or Teardown overtook it;
// every other failure is also recorded in the player's status.
func (p *Player) Load(ctx context.Context, lessonID string, lesson *model.Lesson) error {
	epoch := p.begin(lessonID)

	if lesson == nil {
		l, err := p.opts.Lessons.GetLesson(ctx, lessonID)
		if !p.current(epoch) {
			return ErrSuperseded
		}
		if err != nil {
			return p.fail(epoch, fmt.Errorf("fetch lesson: %w", err))
		}
		lesson = l
	}
	if lesson == nil || !lesson.HasVideo {
		return p.fail(epoch, ErrNoVideoAvailable)
	}

	if !p.setStatus(epoch, StatusGettingSecureURL) {
		return ErrSuperseded
	}
	grant, err := p.opts.Access.RequestSecureURL(ctx, lessonID)
	if !p.current(epoch) {
		return ErrSuperseded
	}
	if err == nil && grant.Fallback {
		err = errors.New("server returned an unprotected url")
	}
	if err != nil {
		log.Printf("event=secure_url_unavailable lesson_id=%s user_id=%s err=%q", lessonID, p.opts.UserID, err.Error())
		return p.fallback(epoch, lesson)
	}

	if !p.setStatus(epoch, StatusSecure) {
		return ErrSuperseded
	}
	v, err := p.opts.Access.ValidateToken(ctx, grant.SessionToken, lessonID)
	if !p.current(epoch) {
		return ErrSuperseded
	}
	if err != nil || !v.Valid {
		reason := v.Error
		if err != nil {
			reason = err.Error()
		}
		p.securityViolation(epoch, model.ViolationTokenValidation, reason)
		return p.fail(epoch, fmt.Errorf("%w: %s", ErrAccessValidation, reason))
	}

	return p.start(epoch, lesson, grant.SecureURL, grant.SessionToken)
}

func (p *Player) fallback(epoch uint64, lesson *model.Lesson) error {
	src := lesson.PlainVideoURL()
	if src == "" {
		return p.fail(epoch, ErrNoVideoAvailable)
	}
	if !p.setStatus(epoch, StatusFallback) {
		return ErrSuperseded
	}
	return p.start(epoch, lesson, src, "")
}

// start brings up the media pipeline. A non-empty token marks the protected path, which
// also activates the guard and the network monitor.
func (p *Player) start(epoch uint64, lesson *model.Lesson, src, token string) error {
	protected := token != ""
	route := Route(lesson.PlainVideoURL())
	if route == PipelineAdaptive && p.opts.NewEngine == nil {
		if !p.opts.Media.CanPlayHLS() {
			return p.fail(epoch, ErrHlsNotSupported)
		}
		route = PipelineNativeHLS
	}

	p.mu.Lock()
	if p.epoch != epoch || p.sess == nil {
		p.mu.Unlock()
		return ErrSuperseded
	}
	s := p.sess
	client := p.opts.HTTPClient
	if protected {
		s.guard = guard.New(p.guardOptions(epoch))
		s.monitor, s.stopMonitor = netmon.Monitor(client, lesson.ID, p.opts.UserID, p.monitorOptions(epoch))
		client = s.monitor.Client()
	}
	var eng Engine
	if route == PipelineAdaptive {
		var headers http.Header
		if protected {
			headers = hls.Headers(token, lesson.ID, p.opts.UserID)
		}
		eng = p.opts.NewEngine(client, headers, p.engineEvents(epoch))
		s.engine = eng
	}
	p.pipeline = route
	p.source = src
	p.protected = protected
	if protected {
		p.status = StatusReady
	}
	ctx := s.ctx
	p.mu.Unlock()

	if eng == nil {
		p.opts.Media.SetSource(src)
		return nil
	}
	if err := eng.Load(ctx, src, p.opts.Media); err != nil {
		p.report(epoch, model.ViolationHLSError, err.Error())
		return p.fail(epoch, fmt.Errorf("%w: %w", ErrHlsError, err))
	}
	return nil
}

// ApplySettings copies the server's guard policy onto a guard template.
func ApplySettings(o guard.Options, s model.PlayerSettings) guard.Options {
	o.Disabled = !s.SecurityMonitoring
	if s.MaxViolations > 0 {
		o.MaxViolations = s.MaxViolations
	}
	return o
}

func (p *Player) guardOptions(epoch uint64) guard.Options {
	o := p.opts.Guard
	o.OnViolation = func(kind model.ViolationKind, count int) {
		p.securityViolation(epoch, kind, fmt.Sprintf("count=%d", count))
	}
	return o
}

func (p *Player) monitorOptions(epoch uint64) netmon.Options {
	o := p.opts.Monitor
	o.OnAttempt = func(u string, attempts int, blocked bool) {
		if blocked {
			p.securityViolation(epoch, model.ViolationNetworkAttempt, fmt.Sprintf("attempts=%d url=%s", attempts, u))
		}
	}
	return o
}

func (p *Player) engineEvents(epoch uint64) func(hls.Event) {
	return func(ev hls.Event) {
		switch ev.Type {
		case hls.EventManifestParsed:
			p.autoplay(epoch)
		case hls.EventError:
			if !ev.Fatal {
				return
			}
			detail := "fatal"
			if ev.Err != nil {
				detail = ev.Err.Error()
			}
			p.report(epoch, model.ViolationHLSError, detail)
			_ = p.fail(epoch, fmt.Errorf("%w: %s", ErrHlsError, detail))
		}
	}
}

// MediaLoaded is called by the host once the element has its first frame.
func (p *Player) MediaLoaded() {
	p.mu.Lock()
	epoch := p.epoch
	p.mu.Unlock()
	p.autoplay(epoch)
}

// MediaError is called by the host when the element fails to load its source.
func (p *Player) MediaError(err error) {
	p.mu.Lock()
	epoch, active := p.epoch, p.sess != nil
	p.mu.Unlock()
	if !active {
		return
	}
	detail := "media error"
	if err != nil {
		detail = err.Error()
	}
	p.report(epoch, model.ViolationVideoLoadError, detail)
	_ = p.fail(epoch, fmt.Errorf("%w: %s", ErrVideoLoadError, detail))
}

func (p *Player) MediaEnded() {
	p.mu.Lock()
	active := p.sess != nil
	p.playing = false
	p.mu.Unlock()
	if active && p.opts.OnVideoEnd != nil {
		p.opts.OnVideoEnd()
	}
}

// HandleEvent forwards a page event to the active guard. Inserted anchors are also run
// past the network monitor's node filter.
func (p *Player) HandleEvent(ev guard.Event) guard.Decision {
	p.mu.Lock()
	var g *guard.Guard
	var mon *netmon.Session
	if p.sess != nil {
		g, mon = p.sess.guard, p.sess.monitor
	}
	p.mu.Unlock()

	var d guard.Decision
	if g != nil {
		d = g.Handle(ev)
	}
	if !d.Remove && mon != nil && ev.Type == guard.EventNodeInserted && mon.FilterNode(ev.Tag, ev.Href) {
		d.Remove = true
	}
	return d
}

func (p *Player) TogglePlay(ctx context.Context) error {
	p.mu.Lock()
	playing, active := p.playing, p.sess != nil
	p.mu.Unlock()
	if !active {
		return nil
	}
	if playing {
		p.opts.Media.Pause()
		p.mu.Lock()
		p.playing = false
		p.mu.Unlock()
		return nil
	}
	err := p.opts.Media.Play(ctx)
	p.mu.Lock()
	p.playing = err == nil
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPlayError, err)
	}
	return nil
}

// ShowControls reveals the controls and hides them again after the configured delay
// while playback is running.
func (p *Player) ShowControls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.controls = true
	if p.controlsTmr != nil {
		p.controlsTmr.Stop()
	}
	p.controlsTmr = time.AfterFunc(p.opts.ControlsHideDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.playing {
			p.controls = false
		}
	})
}

func (p *Player) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{
		Status:          p.status,
		Err:             p.err,
		Pipeline:        p.pipeline,
		Source:          p.source,
		Protected:       p.protected,
		Playing:         p.playing,
		ControlsVisible: p.controls,
	}
	if p.sess != nil {
		s.LessonID = p.sess.lessonID
	}
	return s
}

// Teardown stops the current session. In-flight loads become stale. Safe to call
// repeatedly.
func (p *Player) Teardown() {
	p.mu.Lock()
	p.epoch++
	s := p.detach()
	p.mu.Unlock()
	p.close(s)
}

// begin tears down the previous session and opens a new one under a fresh epoch.
func (p *Player) begin(lessonID string) uint64 {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.epoch++
	epoch := p.epoch
	prev := p.detach()
	p.sess = &session{lessonID: lessonID, ctx: ctx, cancel: cancel}
	p.status = StatusInitializing
	p.err = nil
	p.pipeline = PipelineNone
	p.source = ""
	p.protected = false
	p.mu.Unlock()

	p.close(prev)
	return epoch
}

// detach must be called with p.mu held.
func (p *Player) detach() *session {
	s := p.sess
	p.sess = nil
	p.playing = false
	p.controls = false
	if p.controlsTmr != nil {
		p.controlsTmr.Stop()
		p.controlsTmr = nil
	}
	return s
}

func (p *Player) close(s *session) {
	if s == nil {
		return
	}
	p.opts.Media.Pause()
	p.opts.Media.ClearSource()
	s.cancel()
	if s.engine != nil {
		s.engine.Destroy()
	}
	if s.stopMonitor != nil {
		s.stopMonitor()
	}
	if s.guard != nil {
		s.guard.Close()
	}
}

func (p *Player) current(epoch uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch == epoch
}

func (p *Player) setStatus(epoch uint64, st Status) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.epoch != epoch {
		return false
	}
	p.status = st
	return true
}

func (p *Player) fail(epoch uint64, err error) error {
	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return ErrSuperseded
	}
	p.status = StatusError
	p.err = err
	p.playing = false
	var eng Engine
	lessonID := ""
	if p.sess != nil {
		eng, p.sess.engine = p.sess.engine, nil
		lessonID = p.sess.lessonID
	}
	p.mu.Unlock()

	if eng != nil {
		eng.Destroy()
	}
	log.Printf("event=player_error lesson_id=%s user_id=%s err=%q", lessonID, p.opts.UserID, err.Error())
	return err
}

func (p *Player) autoplay(epoch uint64) {
	p.mu.Lock()
	if p.epoch != epoch || p.sess == nil || p.status == StatusError {
		p.mu.Unlock()
		return
	}
	ctx := p.sess.ctx
	p.mu.Unlock()

	err := p.opts.Media.Play(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.epoch != epoch {
		return
	}
	p.playing = err == nil
	if err != nil {
		log.Printf("event=autoplay_rejected user_id=%s err=%q", p.opts.UserID, err.Error())
	}
}

func (p *Player) securityViolation(epoch uint64, kind model.ViolationKind, detail string) {
	if !p.current(epoch) {
		return
	}
	if p.opts.OnSecurityViolation != nil {
		p.opts.OnSecurityViolation(kind)
	}
	p.report(epoch, kind, detail)
}

func (p *Player) report(epoch uint64, kind model.ViolationKind, detail string) {
	if p.opts.Reporter == nil {
		return
	}
	p.mu.Lock()
	if p.epoch != epoch || p.sess == nil {
		p.mu.Unlock()
		return
	}
	ctx, lessonID := p.sess.ctx, p.sess.lessonID
	p.mu.Unlock()

	entry := model.ActivityEntry{
		UserID:    p.opts.UserID,
		LessonID:  lessonID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: p.opts.Now(),
	}
	if _, err := p.opts.Reporter.Report(ctx, entry); err != nil {
		log.Printf("event=activity_report_failed lesson_id=%s kind=%s err=%q", lessonID, kind, err.Error())
	}
}
