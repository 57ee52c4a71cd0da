// Package hls is the adaptive-streaming engine the player runs for protected m3u8
// lessons. Every playlist and segment fetch carries the playback grant headers.
package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/grafov/m3u8"
)

var (
	ErrDestroyed     = errors.New("engine destroyed")
	ErrNoVariants    = errors.New("master playlist has no variants")
	ErrEmptyPlaylist = errors.New("media playlist has no segments")
	ErrBadStatus     = errors.New("unexpected http status")
)

const (
	HeaderSessionToken = "X-Session-Token"
	HeaderLessonID     = "X-Lesson-ID"
	HeaderUserID       = "X-User-ID"
)

type Config struct {
	MaxBufferLength     time.Duration
	MaxMaxBufferLength  time.Duration
	FragLoadRetries     int
	ManifestLoadTimeout time.Duration
	FragLoadTimeout     time.Duration
	BufferPollInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxBufferLength:     30 * time.Second,
		MaxMaxBufferLength:  60 * time.Second,
		FragLoadRetries:     1,
		ManifestLoadTimeout: 10 * time.Second,
		FragLoadTimeout:     20 * time.Second,
		BufferPollInterval:  250 * time.Millisecond,
	}
}

type EventType int

const (
	EventManifestParsed EventType = iota
	EventFragmentLoaded
	EventEnded
	EventError
)

type Event struct {
	Type     EventType
	Segments int
	Sequence int
	Err      error
	Fatal    bool
}

type Fragment struct {
	Sequence int
	URI      string
	Duration time.Duration
	Data     []byte
}

// Sink receives fragments in order and reports the current play head.
type Sink interface {
	AppendFragment(Fragment) error
	Position() time.Duration
}

// Headers builds the per-request headers that bind every fetch to a playback grant.
func Headers(token, lessonID, userID string) http.Header {
	h := http.Header{}
	h.Set(HeaderSessionToken, token)
	h.Set(HeaderLessonID, lessonID)
	h.Set(HeaderUserID, userID)
	return h
}

type Engine struct {
	client  *http.Client
	cfg     Config
	headers http.Header
	onEvent func(Event)

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	destroyed bool
}

func New(client *http.Client, cfg Config, headers http.Header, onEvent func(Event)) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	def := DefaultConfig()
	if cfg.MaxBufferLength <= 0 {
		cfg.MaxBufferLength = def.MaxBufferLength
	}
	if cfg.MaxMaxBufferLength < cfg.MaxBufferLength {
		cfg.MaxMaxBufferLength = 2 * cfg.MaxBufferLength
	}
	if cfg.FragLoadRetries < 0 {
		cfg.FragLoadRetries = 0
	}
	if cfg.ManifestLoadTimeout <= 0 {
		cfg.ManifestLoadTimeout = def.ManifestLoadTimeout
	}
	if cfg.FragLoadTimeout <= 0 {
		cfg.FragLoadTimeout = def.FragLoadTimeout
	}
	if cfg.BufferPollInterval <= 0 {
		cfg.BufferPollInterval = def.BufferPollInterval
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Engine{client: client, cfg: cfg, headers: headers, onEvent: onEvent}
}

// Load starts fetching src into sink in the background. Progress and failures arrive as
// events; the returned error only covers misuse.
func (e *Engine) Load(ctx context.Context, src string, sink Sink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return ErrDestroyed
	}
	if e.cancel != nil {
		return errors.New("engine already loading")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(runCtx, src, sink)
	return nil
}

// Destroy stops all loading. It does not wait for the loader, so it may be called from an
// event callback. Safe to call repeatedly.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	e.destroyed = true
	if e.cancel != nil {
		e.cancel()
	}
}

// Done is closed once the loader goroutine has exited. Nil before Load.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *Engine) run(ctx context.Context, src string, sink Sink) {
	defer close(e.done)

	base, err := url.Parse(src)
	if err != nil {
		e.fail(ctx, fmt.Errorf("parse source: %w", err))
		return
	}
	media, mediaURL, err := e.loadMedia(ctx, base)
	if err != nil {
		e.fail(ctx, err)
		return
	}
	segs := segments(media)
	if len(segs) == 0 {
		e.fail(ctx, ErrEmptyPlaylist)
		return
	}
	e.emit(ctx, Event{Type: EventManifestParsed, Segments: len(segs)})

	var buffered time.Duration
	for i, seg := range segs {
		dur := time.Duration(seg.Duration * float64(time.Second))
		if !e.waitForRoom(ctx, sink, buffered, dur) {
			return
		}
		ref, err := url.Parse(seg.URI)
		if err != nil {
			e.fail(ctx, fmt.Errorf("segment %d uri: %w", i, err))
			return
		}
		segURL := mediaURL.ResolveReference(ref).String()
		data, err := e.fetchFragment(ctx, segURL)
		if err != nil {
			e.fail(ctx, fmt.Errorf("segment %d: %w", i, err))
			return
		}
		if err := sink.AppendFragment(Fragment{Sequence: i, URI: segURL, Duration: dur, Data: data}); err != nil {
			e.fail(ctx, fmt.Errorf("append segment %d: %w", i, err))
			return
		}
		buffered += dur
		e.emit(ctx, Event{Type: EventFragmentLoaded, Sequence: i})
	}
	e.emit(ctx, Event{Type: EventEnded, Segments: len(segs)})
}

// waitForRoom blocks until the buffer ahead of the play head leaves space for the next
// fragment. Returns false when the engine is shutting down.
func (e *Engine) waitForRoom(ctx context.Context, sink Sink, buffered, next time.Duration) bool {
	for {
		ahead := buffered - sink.Position()
		if ahead < e.cfg.MaxBufferLength && ahead+next <= e.cfg.MaxMaxBufferLength {
			return true
		}
		if ahead <= 0 {
			// A single fragment longer than the hard cap still has to play.
			return true
		}
		timer := time.NewTimer(e.cfg.BufferPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func (e *Engine) loadMedia(ctx context.Context, src *url.URL) (*m3u8.MediaPlaylist, *url.URL, error) {
	pl, kind, src, err := e.fetchPlaylist(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	if kind == m3u8.MEDIA {
		return pl.(*m3u8.MediaPlaylist), src, nil
	}
	master := pl.(*m3u8.MasterPlaylist)
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return nil, nil, ErrNoVariants
	}
	ref, err := url.Parse(best.URI)
	if err != nil {
		return nil, nil, fmt.Errorf("variant uri: %w", err)
	}
	pl, kind, variantURL, err := e.fetchPlaylist(ctx, src.ResolveReference(ref))
	if err != nil {
		return nil, nil, err
	}
	if kind != m3u8.MEDIA {
		return nil, nil, errors.New("variant is not a media playlist")
	}
	return pl.(*m3u8.MediaPlaylist), variantURL, nil
}

// fetchPlaylist returns the decoded playlist and the URL it was finally served from, so
// relative URIs resolve correctly behind a redirecting wrapper URL.
func (e *Engine) fetchPlaylist(ctx context.Context, u *url.URL) (m3u8.Playlist, m3u8.ListType, *url.URL, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.ManifestLoadTimeout)
	defer cancel()
	resp, err := e.get(reqCtx, u.String())
	if err != nil {
		return nil, 0, nil, fmt.Errorf("manifest: %w", err)
	}
	defer resp.Body.Close()
	pl, kind, err := m3u8.DecodeFrom(resp.Body, false)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("manifest decode: %w", err)
	}
	final := u
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	return pl, kind, final, nil
}

func (e *Engine) fetchFragment(ctx context.Context, u string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.FragLoadRetries; attempt++ {
		if attempt > 0 {
			log.Printf("event=hls_fragment_retry attempt=%d url=%q err=%q", attempt, u, lastErr.Error())
		}
		data, err := e.fetchOnce(ctx, u)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (e *Engine) fetchOnce(ctx context.Context, u string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.FragLoadTimeout)
	defer cancel()
	resp, err := e.get(reqCtx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (e *Engine) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range e.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}
	return resp, nil
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}
	e.onEvent(ev)
}

func (e *Engine) fail(ctx context.Context, err error) {
	e.emit(ctx, Event{Type: EventError, Err: err, Fatal: true})
}

func segments(p *m3u8.MediaPlaylist) []*m3u8.MediaSegment {
	out := make([]*m3u8.MediaSegment, 0, p.Count())
	for _, s := range p.Segments {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
