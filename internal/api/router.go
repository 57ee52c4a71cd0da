package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/learnhub/lessonguard/internal/access"
	"github.com/learnhub/lessonguard/internal/auth"
	"github.com/learnhub/lessonguard/internal/config"
	"github.com/learnhub/lessonguard/internal/metrics"
	"github.com/learnhub/lessonguard/internal/model"
	"github.com/learnhub/lessonguard/internal/origin"
	"github.com/learnhub/lessonguard/internal/secureurl"
)

type TokenService interface {
	Issue(lessonID, userID, sessionID string) (string, error)
	Validate(token, lessonID, userID string) access.Validation
	Check(token, lessonID, userID string) error
	Owner(token string) (string, bool)
	Invalidate(token string)
	Len() int
	MaxViews() int
	TTL() time.Duration
}

type URLIssuer interface {
	Create(originalURL, lessonID, userID string) secureurl.Result
	Open(q url.Values) (access.Payload, error)
}

type Lessons interface {
	GetLessonAs(ctx context.Context, bearer, lessonID string) (*model.Lesson, error)
}

type Activity interface {
	Report(ctx context.Context, e model.ActivityEntry) (bool, error)
	Recent(ctx context.Context, userID string) ([]model.ActivityEntry, error)
}

type Deps struct {
	Tokens   TokenService
	URLs     URLIssuer
	Origin   origin.Resolver
	Lessons  Lessons
	Activity Activity
	Now      func() time.Time
}

type Server struct {
	cfg  config.Config
	deps Deps
}

func NewRouter(cfg config.Config, deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{cfg: cfg, deps: deps}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	// Media elements cannot attach a bearer; the encrypted payload authorizes the fetch.
	r.Get(secureurl.Path, s.handleSecureVideo)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.With(auth.Middleware(cfg.JWTSecret)).Group(func(authed chi.Router) {
			authed.Get("/player/settings", s.handlePlayerSettings)
			authed.Post("/lessons/{lessonID}/secure-url", s.handleSecureURL)
			authed.Post("/tokens/validate", s.handleValidateToken)
			authed.Post("/tokens/invalidate", s.handleInvalidateToken)
			authed.Post("/security/violations", s.handleReportViolation)
			authed.Get("/security/violations", s.handleListViolations)
		})
	})

	return r
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
