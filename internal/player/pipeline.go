package player

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/learnhub/lessonguard/internal/hls"
)

type Pipeline int

const (
	PipelineNone Pipeline = iota
	PipelineAdaptive
	PipelineNativeHLS
	PipelineProgressive
)

func (p Pipeline) String() string {
	switch p {
	case PipelineAdaptive:
		return "adaptive"
	case PipelineNativeHLS:
		return "native_hls"
	case PipelineProgressive:
		return "progressive"
	default:
		return "none"
	}
}

// Route picks a pipeline from the media URL's path suffix. The query string is ignored.
// Native HLS is never returned here; it is a fallback decided at load time.
func Route(raw string) Pipeline {
	path := raw
	if u, err := url.Parse(raw); err == nil {
		path = u.Path
	} else if i := strings.IndexAny(raw, "?#"); i >= 0 {
		path = raw[:i]
	}
	if strings.HasSuffix(strings.ToLower(path), ".m3u8") {
		return PipelineAdaptive
	}
	return PipelineProgressive
}

// Engine is the adaptive-streaming handle a player drives.
type Engine interface {
	Load(ctx context.Context, src string, sink hls.Sink) error
	Destroy()
}

// EngineFactory builds an engine bound to one load. A nil factory means adaptive
// streaming is unavailable on this host.
type EngineFactory func(client *http.Client, headers http.Header, onEvent func(hls.Event)) Engine

func HLSEngine(cfg hls.Config) EngineFactory {
	return func(client *http.Client, headers http.Header, onEvent func(hls.Event)) Engine {
		return hls.New(client, cfg, headers, onEvent)
	}
}
