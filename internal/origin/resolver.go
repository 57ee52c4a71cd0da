// Package origin turns the media location stored on a lesson into a URL a player can
// fetch directly.
package origin

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrNotFound          = errors.New("media object not found")
	ErrUnsupportedScheme = errors.New("unsupported media url scheme")
)

type Resolver interface {
	Resolve(ctx context.Context, raw string) (string, error)
}

// Passthrough serves http(s) locations as they are.
type Passthrough struct{}

func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

func (Passthrough) Resolve(_ context.Context, raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse media url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return u.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}
