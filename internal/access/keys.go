// Package access holds the payload cipher and the session-token store used to gate lesson
// video playback. Both are explicit objects with an injected clock; nothing here is a
// package-level singleton.
package access

import (
	"crypto/sha256"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrExpired           = errors.New("expired")
	ErrViewLimitExceeded = errors.New("view limit exceeded")
	ErrNotFound          = errors.New("token not found")
	ErrInvalidated       = errors.New("token invalidated")
	ErrMismatch          = errors.New("lesson or user mismatch")
)

// Clock returns the current instant. Tests pass a fixed or stepping clock.
type Clock func() time.Time

// Keys are the two working keys expanded from the configured secret.
type Keys struct {
	Payload [32]byte
	Token   [32]byte
}

func DeriveKeys(secret string) (Keys, error) {
	var k Keys
	if secret == "" {
		return k, errors.New("empty secret")
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("lessonguard/payload")), k.Payload[:]); err != nil {
		return k, err
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("lessonguard/session-token")), k.Token[:]); err != nil {
		return k, err
	}
	return k, nil
}

// Code maps an access error onto the short reason string sent to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrViewLimitExceeded):
		return "view_limit_exceeded"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidated):
		return "invalidated"
	case errors.Is(err, ErrMismatch):
		return "mismatch"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "invalid"
	}
}
