package access

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

type TokenData struct {
	LessonID  string    `json:"lesson_id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Expiry    time.Time `json:"expiry"`
	Nonce     string    `json:"nonce"`
	IsValid   bool      `json:"is_valid"`
	ViewCount int       `json:"view_count"`

	limitHit bool
}

type Validation struct {
	Valid          bool
	Reason         error
	Record         *TokenData
	RemainingViews int
	ExpiresAt      time.Time
}

// TokenStore owns the issued session tokens of one process. Safe for concurrent use.
type TokenStore struct {
	mu       sync.Mutex
	tokens   map[string]*TokenData
	key      [32]byte
	ttl      time.Duration
	maxViews int
	now      Clock
	rand     io.Reader
}

type TokenStoreOptions struct {
	Key      [32]byte
	TTL      time.Duration
	MaxViews int
	Clock    Clock
	Rand     io.Reader
}

func NewTokenStore(opts TokenStoreOptions) *TokenStore {
	s := &TokenStore{
		tokens:   make(map[string]*TokenData),
		key:      opts.Key,
		ttl:      opts.TTL,
		maxViews: opts.MaxViews,
		now:      opts.Clock,
		rand:     opts.Rand,
	}
	if s.ttl <= 0 {
		s.ttl = time.Hour
	}
	if s.maxViews <= 0 {
		s.maxViews = 3
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	return s
}

func (s *TokenStore) MaxViews() int { return s.maxViews }

func (s *TokenStore) TTL() time.Duration { return s.ttl }

func (s *TokenStore) Issue(lessonID, userID, sessionID string) (string, error) {
	var nonce [16]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return "", fmt.Errorf("token nonce: %w", err)
	}
	now := s.now()
	data := TokenData{
		LessonID:  lessonID,
		UserID:    userID,
		SessionID: sessionID,
		Timestamp: now,
		Expiry:    now.Add(s.ttl),
		Nonce:     hex.EncodeToString(nonce[:]),
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key[:])
	mac.Write(raw)
	token := hex.EncodeToString(mac.Sum(nil))

	data.IsValid = true
	data.ViewCount = 0

	s.mu.Lock()
	s.tokens[token] = &data
	s.mu.Unlock()
	return token, nil
}

// Validate runs the ordered checks and, on success, consumes one view.
func (s *TokenStore) Validate(token, lessonID, userID string) Validation {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[token]
	if !ok {
		return Validation{Reason: ErrNotFound}
	}
	if !rec.IsValid {
		reason := ErrInvalidated
		if rec.limitHit {
			reason = fmt.Errorf("%w: %w", ErrInvalidated, ErrViewLimitExceeded)
		}
		return s.reject(rec, reason)
	}
	if s.now().After(rec.Expiry) {
		delete(s.tokens, token)
		return s.reject(rec, ErrExpired)
	}
	if rec.LessonID != lessonID || rec.UserID != userID {
		return s.reject(rec, ErrMismatch)
	}

	rec.ViewCount++
	if rec.ViewCount > s.maxViews {
		rec.IsValid = false
		rec.limitHit = true
		return s.reject(rec, ErrViewLimitExceeded)
	}
	cp := *rec
	return Validation{
		Valid:          true,
		Record:         &cp,
		RemainingViews: s.maxViews - rec.ViewCount,
		ExpiresAt:      rec.Expiry,
	}
}

// Check runs the same ordered checks as Validate without consuming a view or evicting.
func (s *TokenStore) Check(token, lessonID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[token]
	switch {
	case !ok:
		return ErrNotFound
	case !rec.IsValid:
		return ErrInvalidated
	case s.now().After(rec.Expiry):
		return ErrExpired
	case rec.LessonID != lessonID || rec.UserID != userID:
		return ErrMismatch
	}
	return nil
}

func (s *TokenStore) reject(rec *TokenData, reason error) Validation {
	return Validation{
		Reason:         reason,
		RemainingViews: max(s.maxViews-rec.ViewCount, 0),
		ExpiresAt:      rec.Expiry,
	}
}

// Owner returns the user a token was issued to.
func (s *TokenStore) Owner(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[token]
	if !ok {
		return "", false
	}
	return rec.UserID, true
}

func (s *TokenStore) Invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.tokens[token]; ok {
		rec.IsValid = false
	}
}

// Sweep evicts every entry whose expiry is before now and reports how many went.
func (s *TokenStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, rec := range s.tokens {
		if rec.Expiry.Before(now) {
			delete(s.tokens, token)
			n++
		}
	}
	return n
}

func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
