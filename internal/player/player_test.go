package player

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/learnhub/lessonguard/internal/access"
	"github.com/learnhub/lessonguard/internal/guard"
	"github.com/learnhub/lessonguard/internal/hls"
	"github.com/learnhub/lessonguard/internal/model"
)

type fakeMedia struct {
	mu      sync.Mutex
	src     string
	canHLS  bool
	playErr error
	plays   int
	pauses  int
	clears  int
}

func (m *fakeMedia) AppendFragment(hls.Fragment) error { return nil }
func (m *fakeMedia) Position() time.Duration { return 0 }
func (m *fakeMedia) CanPlayHLS() bool { return m.canHLS }

func (m *fakeMedia) SetSource(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.src = url
}

func (m *fakeMedia) ClearSource() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.src = ""
	m.clears++
}

func (m *fakeMedia) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauses++
}

func (m *fakeMedia) Play(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plays++
	return m.playErr
}

func (m *fakeMedia) source() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.src
}

type fakeAccess struct {
	requestFn  func(ctx context.Context, lessonID string) (model.SecureGrant, error)
	validateFn func(ctx context.Context, token, lessonID string) (model.TokenValidation, error)
}

func (f *fakeAccess) RequestSecureURL(ctx context.Context, lessonID string) (model.SecureGrant, error) {
	return f.requestFn(ctx, lessonID)
}

func (f *fakeAccess) ValidateToken(ctx context.Context, token, lessonID string) (model.TokenValidation, error) {
	return f.validateFn(ctx, token, lessonID)
}

type fakeLessons struct {
	getFn func(ctx context.Context, lessonID string) (*model.Lesson, error)
}

func (f *fakeLessons) GetLesson(ctx context.Context, lessonID string) (*model.Lesson, error) {
	return f.getFn(ctx, lessonID)
}

type fakeReporter struct {
	mu      sync.Mutex
	entries []model.ActivityEntry
}

func (r *fakeReporter) Report(_ context.Context, e model.ActivityEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return false, nil
}

func (r *fakeReporter) kinds() []model.ViolationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ViolationKind, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Kind)
	}
	return out
}

type fakeEngine struct {
	mu        sync.Mutex
	src       string
	headers   http.Header
	onEvent   func(hls.Event)
	destroyed int
}

func (e *fakeEngine) Load(_ context.Context, src string, _ hls.Sink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.src = src
	return nil
}

func (e *fakeEngine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed++
}

func (e *fakeEngine) destroys() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func engineFactory(eng *fakeEngine) EngineFactory {
	return func(_ *http.Client, headers http.Header, onEvent func(hls.Event)) Engine {
		eng.headers = headers
		eng.onEvent = onEvent
		return eng
	}
}

const secureURL = "/api/secure-video?token=abc&lesson_id=lsn_1&user_id=usr_1&timestamp=1"

func grantingAccess() *fakeAccess {
	return &fakeAccess{
		requestFn: func(context.Context, string) (model.SecureGrant, error) {
			return model.SecureGrant{SecureURL: secureURL, SessionToken: "tok_1"}, nil
		},
		validateFn: func(context.Context, string, string) (model.TokenValidation, error) {
			return model.TokenValidation{Valid: true, RemainingViews: 2}, nil
		},
	}
}

func mp4Lesson() *model.Lesson {
	return &model.Lesson{ID: "lsn_1", HasVideo: true, VideoURL: "https://cdn.example.com/videos/intro.mp4"}
}

func TestLoad_SecureProgressive(t *testing.T) {
	media := &fakeMedia{}
	p := New(Options{UserID: "usr_1", Access: grantingAccess(), Media: media})
	defer p.Teardown()

	if err := p.Load(context.Background(), "lsn_1", mp4Lesson()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap := p.Snapshot()
	if snap.Status != StatusReady || !snap.Protected || snap.Pipeline != PipelineProgressive {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if media.source() != secureURL {
		t.Fatalf("expected secure url on media element, got %q", media.source())
	}

	p.MediaLoaded()
	if !p.Snapshot().Playing {
		t.Fatal("expected autoplay after first frame")
	}
}

func TestLoad_FallbackWhenSecureURLFails(t *testing.T) {
	media := &fakeMedia{}
	rep := &fakeReporter{}
	acc := grantingAccess()
	acc.requestFn = func(context.Context, string) (model.SecureGrant, error) {
		return model.SecureGrant{}, errors.New("issuer unavailable")
	}
	p := New(Options{UserID: "usr_1", Access: acc, Media: media, Reporter: rep})
	defer p.Teardown()

	if err := p.Load(context.Background(), "lsn_1", mp4Lesson()); err != nil {
		t.Fatalf("expected fallback without error, got %v", err)
	}
	snap := p.Snapshot()
	if snap.Status != StatusFallback || snap.Err != nil || snap.Protected {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if media.source() != "https://cdn.example.com/videos/intro.mp4" {
		t.Fatalf("expected plain url, got %q", media.source())
	}
	if len(rep.kinds()) != 0 {
		t.Fatalf("fallback should not report activity, got %v", rep.kinds())
	}
}

func TestLoad_FallbackGrantUsesPlainURL(t *testing.T) {
	media := &fakeMedia{}
	acc := grantingAccess()
	acc.requestFn = func(context.Context, string) (model.SecureGrant, error) {
		return model.SecureGrant{SecureURL: "https://cdn.example.com/videos/intro.mp4", Fallback: true}, nil
	}
	acc.validateFn = func(context.Context, string, string) (model.TokenValidation, error) {
		t.Fatal("fallback grant must not be validated")
		return model.TokenValidation{}, nil
	}
	p := New(Options{UserID: "usr_1", Access: acc, Media: media})
	defer p.Teardown()

	_ = p.Load(context.Background(), "lsn_1", mp4Lesson())
	if p.Snapshot().Status != StatusFallback {
		t.Fatalf("expected fallback, got %s", p.Snapshot().Status)
	}
}

func TestLoad_NoVideo(t *testing.T) {
	tests := []struct {
		name   string
		lesson *model.Lesson
		acc    *fakeAccess
	}{
		{"has_video false", &model.Lesson{ID: "lsn_1"}, grantingAccess()},
		{"fallback without plain url", &model.Lesson{ID: "lsn_1", HasVideo: true}, &fakeAccess{
			requestFn: func(context.Context, string) (model.SecureGrant, error) {
				return model.SecureGrant{}, errors.New("boom")
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(Options{UserID: "usr_1", Access: tt.acc, Media: &fakeMedia{}})
			defer p.Teardown()
			err := p.Load(context.Background(), "lsn_1", tt.lesson)
			if !errors.Is(err, ErrNoVideoAvailable) {
				t.Fatalf("expected ErrNoVideoAvailable, got %v", err)
			}
			if p.Snapshot().Status != StatusError {
				t.Fatalf("expected error status, got %s", p.Snapshot().Status)
			}
		})
	}
}

func TestLoad_FetchesLessonWhenNotSupplied(t *testing.T) {
	var asked string
	lessons := &fakeLessons{getFn: func(_ context.Context, id string) (*model.Lesson, error) {
		asked = id
		return mp4Lesson(), nil
	}}
	p := New(Options{UserID: "usr_1", Lessons: lessons, Access: grantingAccess(), Media: &fakeMedia{}})
	defer p.Teardown()

	if err := p.Load(context.Background(), "lsn_1", nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if asked != "lsn_1" || p.Snapshot().Status != StatusReady {
		t.Fatalf("unexpected asked=%q status=%s", asked, p.Snapshot().Status)
	}
}

func TestLoad_TokenRejectedReportsAndErrors(t *testing.T) {
	rep := &fakeReporter{}
	acc := grantingAccess()
	acc.validateFn = func(context.Context, string, string) (model.TokenValidation, error) {
		return model.TokenValidation{Valid: false, Error: "view_limit_exceeded"}, nil
	}
	media := &fakeMedia{}
	var notified []model.ViolationKind
	p := New(Options{
		UserID:              "usr_1",
		Access:              acc,
		Media:               media,
		Reporter:            rep,
		OnSecurityViolation: func(kind model.ViolationKind) { notified = append(notified, kind) },
	})
	defer p.Teardown()

	err := p.Load(context.Background(), "lsn_1", mp4Lesson())
	if !errors.Is(err, ErrAccessValidation) {
		t.Fatalf("expected ErrAccessValidation, got %v", err)
	}
	if p.Snapshot().Status != StatusError || media.source() != "" {
		t.Fatalf("expected error status with no source, got %+v", p.Snapshot())
	}
	kinds := rep.kinds()
	if len(kinds) != 1 || kinds[0] != model.ViolationTokenValidation {
		t.Fatalf("expected token_validation_failed report, got %v", kinds)
	}
	if len(notified) != 1 || notified[0] != model.ViolationTokenValidation {
		t.Fatalf("expected token failure to reach the violation callback, got %v", notified)
	}
	if got := Message(err, "en-US"); !strings.Contains(got, "Access validation failed") {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestLoad_AdaptiveAttachesGrantHeaders(t *testing.T) {
	eng := &fakeEngine{}
	rep := &fakeReporter{}
	lesson := &model.Lesson{ID: "lsn_1", HasVideo: true, VideoStreamURL: "https://cdn.example.com/hls/master.m3u8?query=1"}
	p := New(Options{UserID: "usr_1", Access: grantingAccess(), Media: &fakeMedia{}, NewEngine: engineFactory(eng), Reporter: rep})
	defer p.Teardown()

	if err := p.Load(context.Background(), "lsn_1", lesson); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Snapshot().Pipeline != PipelineAdaptive || eng.src != secureURL {
		t.Fatalf("expected adaptive load of secure url, got %+v src=%q", p.Snapshot(), eng.src)
	}
	if eng.headers.Get(hls.HeaderSessionToken) != "tok_1" || eng.headers.Get(hls.HeaderLessonID) != "lsn_1" || eng.headers.Get(hls.HeaderUserID) != "usr_1" {
		t.Fatalf("missing grant headers: %v", eng.headers)
	}

	eng.onEvent(hls.Event{Type: hls.EventManifestParsed, Segments: 4})
	if !p.Snapshot().Playing {
		t.Fatal("expected autoplay after manifest parsed")
	}

	eng.onEvent(hls.Event{Type: hls.EventError, Err: errors.New("frag 2 timeout"), Fatal: true})
	snap := p.Snapshot()
	if snap.Status != StatusError || !errors.Is(snap.Err, ErrHlsError) {
		t.Fatalf("expected hls error state, got %+v", snap)
	}
	if eng.destroys() != 1 {
		t.Fatalf("expected engine destroyed once, got %d", eng.destroys())
	}
	if kinds := rep.kinds(); len(kinds) != 1 || kinds[0] != model.ViolationHLSError {
		t.Fatalf("expected hls_error report, got %v", kinds)
	}
}

func TestLoad_NativeHLSAndUnsupported(t *testing.T) {
	lesson := &model.Lesson{ID: "lsn_1", HasVideo: true, VideoURL: "https://cdn.example.com/hls/master.m3u8"}

	media := &fakeMedia{canHLS: true}
	p := New(Options{UserID: "usr_1", Access: grantingAccess(), Media: media})
	if err := p.Load(context.Background(), "lsn_1", lesson); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Snapshot().Pipeline != PipelineNativeHLS || media.source() != secureURL {
		t.Fatalf("expected native hls, got %+v", p.Snapshot())
	}
	p.Teardown()

	p = New(Options{UserID: "usr_1", Access: grantingAccess(), Media: &fakeMedia{}})
	defer p.Teardown()
	if err := p.Load(context.Background(), "lsn_1", lesson); !errors.Is(err, ErrHlsNotSupported) {
		t.Fatalf("expected ErrHlsNotSupported, got %v", err)
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		url  string
		want Pipeline
	}{
		{"https://cdn.example.com/hls/master.m3u8?query=1", PipelineAdaptive},
		{"https://cdn.example.com/HLS/MASTER.M3U8", PipelineAdaptive},
		{"/videos/lesson.m3u8#t=10", PipelineAdaptive},
		{"https://cdn.example.com/videos/intro.mp4", PipelineProgressive},
		{"https://cdn.example.com/videos/stream?id=7", PipelineProgressive},
		{"https://cdn.example.com/m3u8/file.webm", PipelineProgressive},
	}
	for _, tt := range tests {
		if got := Route(tt.url); got != tt.want {
			t.Errorf("Route(%q) = %s, want %s", tt.url, got, tt.want)
		}
	}
}

func TestAutoplayRejectionIsNotAnError(t *testing.T) {
	media := &fakeMedia{playErr: errors.New("NotAllowedError")}
	p := New(Options{UserID: "usr_1", Access: grantingAccess(), Media: media})
	defer p.Teardown()

	_ = p.Load(context.Background(), "lsn_1", mp4Lesson())
	p.MediaLoaded()
	snap := p.Snapshot()
	if snap.Playing || snap.Status != StatusReady || snap.Err != nil {
		t.Fatalf("unexpected snapshot after rejected autoplay %+v", snap)
	}
	if err := p.TogglePlay(context.Background()); !errors.Is(err, ErrPlayError) {
		t.Fatalf("expected ErrPlayError from manual play, got %v", err)
	}
}

func TestMediaErrorReportsAndEnded(t *testing.T) {
	rep := &fakeReporter{}
	ended := 0
	p := New(Options{UserID: "usr_1", Access: grantingAccess(), Media: &fakeMedia{}, Reporter: rep, OnVideoEnd: func() { ended++ }})
	defer p.Teardown()

	_ = p.Load(context.Background(), "lsn_1", mp4Lesson())
	p.MediaEnded()
	if ended != 1 {
		t.Fatalf("expected OnVideoEnd once, got %d", ended)
	}

	p.MediaError(errors.New("MEDIA_ERR_SRC_NOT_SUPPORTED"))
	if !errors.Is(p.Snapshot().Err, ErrVideoLoadError) {
		t.Fatalf("expected video load error, got %v", p.Snapshot().Err)
	}
	if kinds := rep.kinds(); len(kinds) != 1 || kinds[0] != model.ViolationVideoLoadError {
		t.Fatalf("expected video_load_error report, got %v", kinds)
	}
}

func TestGuardViolationsReachCallbackAndReporter(t *testing.T) {
	rep := &fakeReporter{}
	var mu sync.Mutex
	var seen []model.ViolationKind
	p := New(Options{
		UserID:   "usr_1",
		Access:   grantingAccess(),
		Media:    &fakeMedia{},
		Reporter: rep,
		Guard:    guard.Options{MaxViolations: 1},
		OnSecurityViolation: func(kind model.ViolationKind) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, kind)
		},
	})
	defer p.Teardown()
	_ = p.Load(context.Background(), "lsn_1", mp4Lesson())

	if d := p.HandleEvent(guard.Event{Type: guard.EventCopy}); !d.Cancel {
		t.Fatal("expected copy cancelled")
	}
	mu.Lock()
	if len(seen) != 1 || seen[0] != model.ViolationCopy {
		t.Fatalf("unexpected callbacks %v", seen)
	}
	mu.Unlock()
	if kinds := rep.kinds(); len(kinds) != 1 || kinds[0] != model.ViolationCopy {
		t.Fatalf("unexpected reports %v", kinds)
	}
}

func TestFallbackLeavesGuardInactive(t *testing.T) {
	acc := grantingAccess()
	acc.requestFn = func(context.Context, string) (model.SecureGrant, error) {
		return model.SecureGrant{}, errors.New("down")
	}
	p := New(Options{UserID: "usr_1", Access: acc, Media: &fakeMedia{}, Guard: guard.Options{MaxViolations: 1}})
	defer p.Teardown()
	_ = p.Load(context.Background(), "lsn_1", mp4Lesson())

	if d := p.HandleEvent(guard.Event{Type: guard.EventContextMenu}); d != (guard.Decision{}) {
		t.Fatalf("expected no guard on fallback pipeline, got %+v", d)
	}
}

func TestTeardown_Idempotent(t *testing.T) {
	eng := &fakeEngine{}
	media := &fakeMedia{}
	lesson := &model.Lesson{ID: "lsn_1", HasVideo: true, VideoURL: "https://cdn.example.com/hls/master.m3u8"}
	p := New(Options{
		UserID:            "usr_1",
		Access:            grantingAccess(),
		Media:             media,
		NewEngine:         engineFactory(eng),
		Guard:             guard.Options{Window: func() guard.Dimensions { return guard.Dimensions{} }, PollInterval: time.Millisecond},
		ControlsHideDelay: time.Hour,
	})
	_ = p.Load(context.Background(), "lsn_1", lesson)
	p.ShowControls()

	p.Teardown()
	p.Teardown()

	if eng.destroys() != 1 || media.pauses != 1 || media.clears != 1 {
		t.Fatalf("expected single cleanup, destroys=%d pauses=%d clears=%d", eng.destroys(), media.pauses, media.clears)
	}
	if d := p.HandleEvent(guard.Event{Type: guard.EventNodeInserted, Tag: "a", Href: "/video/x.mp4"}); d != (guard.Decision{}) {
		t.Fatalf("expected no handling after teardown, got %+v", d)
	}
	if snap := p.Snapshot(); snap.LessonID != "" || snap.ControlsVisible || snap.Playing {
		t.Fatalf("unexpected snapshot after teardown %+v", snap)
	}
}

func TestLoad_StaleCompletionDiscarded(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	media := &fakeMedia{}
	acc := grantingAccess()
	acc.requestFn = func(_ context.Context, lessonID string) (model.SecureGrant, error) {
		if lessonID == "lsn_slow" {
			close(entered)
			<-release
		}
		return model.SecureGrant{SecureURL: "/api/secure-video?lesson_id=" + lessonID, SessionToken: "tok_" + lessonID}, nil
	}
	p := New(Options{UserID: "usr_1", Access: acc, Media: media})
	defer p.Teardown()

	slowErr := make(chan error, 1)
	go func() {
		slowErr <- p.Load(context.Background(), "lsn_slow", &model.Lesson{ID: "lsn_slow", HasVideo: true, VideoURL: "/v/slow.mp4"})
	}()
	<-entered

	if err := p.Load(context.Background(), "lsn_fast", &model.Lesson{ID: "lsn_fast", HasVideo: true, VideoURL: "/v/fast.mp4"}); err != nil {
		t.Fatalf("fast load: %v", err)
	}
	close(release)

	if err := <-slowErr; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded from stale load, got %v", err)
	}
	snap := p.Snapshot()
	if snap.LessonID != "lsn_fast" || snap.Status != StatusReady {
		t.Fatalf("stale load overwrote state: %+v", snap)
	}
	if media.source() != "/api/secure-video?lesson_id=lsn_fast" {
		t.Fatalf("stale source applied: %q", media.source())
	}
}

func TestShowControls_AutoHidesWhilePlaying(t *testing.T) {
	p := New(Options{UserID: "usr_1", Access: grantingAccess(), Media: &fakeMedia{}, ControlsHideDelay: 10 * time.Millisecond})
	defer p.Teardown()
	_ = p.Load(context.Background(), "lsn_1", mp4Lesson())
	p.MediaLoaded()

	p.ShowControls()
	if !p.Snapshot().ControlsVisible {
		t.Fatal("expected controls visible")
	}
	deadline := time.Now().Add(2 * time.Second)
	for p.Snapshot().ControlsVisible {
		if time.Now().After(deadline) {
			t.Fatal("controls never hid")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		lang string
		want string
	}{
		{"english default", ErrNoVideoAvailable, "", "No video is available for this lesson."},
		{"arabic", ErrVideoLoadError, "ar-EG,ar;q=0.9,en;q=0.5", "تعذر تحميل الفيديو."},
		{"unsupported language", ErrHlsNotSupported, "fr-FR", "Your browser cannot play this video stream."},
		{"token error collapses", access.ErrViewLimitExceeded, "en", "Access validation failed. Please reopen the lesson."},
		{"wrapped hls", errors.Join(ErrHlsError, errors.New("x")), "en", "An error occurred while streaming the video."},
		{"unknown", errors.New("weird"), "ar", "حدث خطأ أثناء تحميل الفيديو."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Message(tt.err, tt.lang); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplySettings(t *testing.T) {
	base := guard.Options{MaxViolations: 5}
	got := ApplySettings(base, model.PlayerSettings{SecurityMonitoring: false, MaxViolations: 3})
	if !got.Disabled || got.MaxViolations != 3 {
		t.Fatalf("unexpected options %+v", got)
	}
	got = ApplySettings(base, model.PlayerSettings{SecurityMonitoring: true})
	if got.Disabled || got.MaxViolations != 5 {
		t.Fatalf("expected max violations kept, got %+v", got)
	}
}

func TestProtectedLoad_GuardOnWithZeroTemplate(t *testing.T) {
	p := New(Options{UserID: "usr_1", Access: grantingAccess(), Media: &fakeMedia{}})
	defer p.Teardown()
	if err := p.Load(context.Background(), "lsn_1", mp4Lesson()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	d := p.HandleEvent(guard.Event{Type: guard.EventContextMenu})
	if !d.Cancel || d.Violation != model.ViolationRightClick {
		t.Fatalf("expected default guard to cancel context menu, got %+v", d)
	}
}

func TestTeardownFromDevToolsViolationReturns(t *testing.T) {
	returned := make(chan struct{})
	var p *Player
	p = New(Options{
		UserID: "usr_1",
		Access: grantingAccess(),
		Media:  &fakeMedia{},
		Guard: guard.Options{
			MaxViolations: 1,
			PollInterval:  5 * time.Millisecond,
			Window: func() guard.Dimensions {
				return guard.Dimensions{OuterWidth: 1600, InnerWidth: 1100, OuterHeight: 900, InnerHeight: 820}
			},
		},
		OnSecurityViolation: func(model.ViolationKind) {
			p.Teardown()
			close(returned)
		},
	})
	if err := p.Load(context.Background(), "lsn_1", mp4Lesson()); err != nil && !errors.Is(err, ErrSuperseded) {
		t.Fatalf("Load: %v", err)
	}

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Teardown called from the violation callback did not return")
	}
	if snap := p.Snapshot(); snap.LessonID != "" {
		t.Fatalf("expected session torn down, got %+v", snap)
	}
}
