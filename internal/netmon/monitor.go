// Package netmon watches the requests one playback session makes and refuses repeated
// direct video fetches. It wraps an http.Client handed to it; no process-wide transport is
// ever replaced.
package netmon

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
)

var ErrUnauthorizedAccess = errors.New("unauthorized access")

const DefaultMaxAttempts = 3

// grantHeader marks requests made on behalf of a validated playback grant.
const grantHeader = "X-Session-Token"

type Options struct {
	MaxAttempts int
	// OnAttempt is called for every suspicious request with the running attempt count and
	// whether it was blocked.
	OnAttempt func(url string, attempts int, blocked bool)
}

type Session struct {
	lessonID string
	userID   string
	base     http.RoundTripper
	client   *http.Client
	opts     Options

	mu       sync.Mutex
	attempts int
	active   bool
}

// Monitor starts a monitoring session over base. The returned teardown switches the
// session's client back to plain pass-through; calling it again is a no-op.
func Monitor(base *http.Client, lessonID, userID string, opts Options) (*Session, func()) {
	if base == nil {
		base = http.DefaultClient
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	s := &Session{lessonID: lessonID, userID: userID, base: rt, opts: opts, active: true}
	cp := *base
	cp.Transport = s
	s.client = &cp
	return s, s.teardown
}

// Client is the intercepted client the player must use for this session.
func (s *Session) Client() *http.Client { return s.client }

func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) RoundTrip(req *http.Request) (*http.Response, error) {
	u := req.URL.String()
	if !suspicious(u) || req.Header.Get(grantHeader) != "" {
		return s.base.RoundTrip(req)
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return s.base.RoundTrip(req)
	}
	s.attempts++
	n := s.attempts
	blocked := n > s.opts.MaxAttempts
	s.mu.Unlock()

	if s.opts.OnAttempt != nil {
		s.opts.OnAttempt(u, n, blocked)
	}
	if blocked {
		log.Printf("event=video_request_blocked lesson_id=%s user_id=%s attempts=%d url=%q", s.lessonID, s.userID, n, u)
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, ErrUnauthorizedAccess
	}
	return s.base.RoundTrip(req)
}

// FilterNode reports whether an inserted element should be removed before it renders.
func (s *Session) FilterNode(tag, href string) bool {
	if !s.Active() {
		return false
	}
	return strings.EqualFold(tag, "a") && strings.Contains(strings.ToLower(href), "video")
}

func (s *Session) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

func suspicious(u string) bool {
	l := strings.ToLower(u)
	return strings.Contains(l, "video") && !strings.Contains(l, "token")
}
