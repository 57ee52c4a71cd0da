package access

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Payload is the record carried inside a secure video URL. It is never persisted.
type Payload struct {
	URL          string    `json:"url"`
	LessonID     string    `json:"lesson_id"`
	UserID       string    `json:"user_id"`
	Timestamp    time.Time `json:"timestamp"`
	Expiry       time.Time `json:"expiry"`
	MaxViews     int       `json:"max_views"`
	CurrentViews int       `json:"current_views"`
}

// strict rejects non-canonical trailing bits so every byte of the text is significant.
var payloadEncoding = base64.RawURLEncoding.Strict()

type Cipher struct {
	aead     cipher.AEAD
	ttl      time.Duration
	maxViews int
	now      Clock
	rand     io.Reader
}

type CipherOptions struct {
	Key      [32]byte
	TTL      time.Duration
	MaxViews int
	Clock    Clock
	Rand     io.Reader
}

func NewCipher(opts CipherOptions) (*Cipher, error) {
	block, err := aes.NewCipher(opts.Key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	c := &Cipher{aead: aead, ttl: opts.TTL, maxViews: opts.MaxViews, now: opts.Clock, rand: opts.Rand}
	if c.ttl <= 0 {
		c.ttl = time.Hour
	}
	if c.maxViews <= 0 {
		c.maxViews = 3
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.rand == nil {
		c.rand = rand.Reader
	}
	return c, nil
}

func (c *Cipher) Encrypt(url, lessonID, userID string) (string, error) {
	now := c.now()
	raw, err := json.Marshal(Payload{
		URL:       url,
		LessonID:  lessonID,
		UserID:    userID,
		Timestamp: now,
		Expiry:    now.Add(c.ttl),
		MaxViews:  c.maxViews,
	})
	if err != nil {
		return "", err
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("payload nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, raw, nil)
	return payloadEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(s string) (Payload, error) {
	blob, err := payloadEncoding.DecodeString(s)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: decode", ErrInvalidPayload)
	}
	ns := c.aead.NonceSize()
	if len(blob) < ns+c.aead.Overhead() {
		return Payload{}, fmt.Errorf("%w: too short", ErrInvalidPayload)
	}
	raw, err := c.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: open", ErrInvalidPayload)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: parse", ErrInvalidPayload)
	}
	if c.now().After(p.Expiry) {
		return p, ErrExpired
	}
	if p.CurrentViews >= p.MaxViews {
		return p, ErrViewLimitExceeded
	}
	return p, nil
}
