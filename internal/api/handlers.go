package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/learnhub/lessonguard/internal/access"
	"github.com/learnhub/lessonguard/internal/auth"
	"github.com/learnhub/lessonguard/internal/hls"
	"github.com/learnhub/lessonguard/internal/lms"
	"github.com/learnhub/lessonguard/internal/metrics"
	"github.com/learnhub/lessonguard/internal/model"
	"github.com/learnhub/lessonguard/internal/origin"
	"github.com/learnhub/lessonguard/internal/secureurl"
)

type validateRequest struct {
	SessionToken string `json:"session_token"`
	LessonID     string `json:"lesson_id"`
}

type invalidateRequest struct {
	SessionToken string `json:"session_token"`
}

type violationRequest struct {
	LessonID string              `json:"lesson_id"`
	Kind     model.ViolationKind `json:"kind"`
	Detail   string              `json:"detail"`
}

func (s *Server) handlePlayerSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, model.PlayerSettings{
		SecurityMonitoring: s.cfg.SecurityMonitoring,
		MaxViolations:      s.cfg.MaxViolations,
		MaxViews:           s.deps.Tokens.MaxViews(),
		TokenTTLMillis:     s.deps.Tokens.TTL().Milliseconds(),
	})
}

func (s *Server) handleSecureURL(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	lessonID := chi.URLParam(r, "lessonID")

	lesson, err := s.deps.Lessons.GetLessonAs(r.Context(), auth.BearerFromContext(r.Context()), lessonID)
	if err != nil {
		switch {
		case errors.Is(err, lms.ErrNotFound):
			writeAPIError(w, http.StatusNotFound, "not_found", "lesson not found")
		case errors.Is(err, lms.ErrUnauthorized):
			writeAPIError(w, http.StatusForbidden, "forbidden", "lesson not accessible")
		default:
			log.Printf("event=lesson_fetch_failed lesson_id=%s user_id=%s err=%v", lessonID, userID, err)
			writeAPIError(w, http.StatusBadGateway, "upstream_error", "failed to load lesson")
		}
		return
	}
	src := lesson.PlainVideoURL()
	if !lesson.HasVideo || src == "" {
		writeAPIError(w, http.StatusNotFound, "no_video", "lesson has no video")
		return
	}

	res := s.deps.URLs.Create(src, lessonID, userID)
	metrics.Default().IncCounter("lessonguard_secure_urls_total", map[string]string{"kind": res.Kind.String()})
	if res.Kind == secureurl.KindFallback {
		writeJSON(w, http.StatusOK, model.SecureGrant{SecureURL: res.URL, Fallback: true})
		return
	}

	sessionID := "vs_" + uuid.NewString()
	token, err := s.deps.Tokens.Issue(lessonID, userID, sessionID)
	if err != nil {
		log.Printf("event=token_issue_failed lesson_id=%s user_id=%s err=%v", lessonID, userID, err)
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to issue session token")
		return
	}
	metrics.Default().SetGauge("lessonguard_active_tokens", float64(s.deps.Tokens.Len()), nil)

	writeJSON(w, http.StatusOK, model.SecureGrant{
		SecureURL:    res.URL,
		SessionToken: token,
		SessionID:    sessionID,
		ExpiresAt:    s.deps.Now().Add(s.deps.Tokens.TTL()).UTC(),
	})
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if req.SessionToken == "" || req.LessonID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "session_token and lesson_id are required")
		return
	}

	v := s.deps.Tokens.Validate(req.SessionToken, req.LessonID, userID)
	result := "valid"
	if !v.Valid {
		result = access.Code(v.Reason)
		log.Printf("event=token_rejected lesson_id=%s user_id=%s reason=%s", req.LessonID, userID, result)
	}
	metrics.Default().IncCounter("lessonguard_token_validations_total", map[string]string{"result": result})
	metrics.Default().SetGauge("lessonguard_active_tokens", float64(s.deps.Tokens.Len()), nil)

	writeJSON(w, http.StatusOK, model.TokenValidation{
		Valid:          v.Valid,
		Error:          access.Code(v.Reason),
		RemainingViews: v.RemainingViews,
		ExpiresAt:      v.ExpiresAt,
	})
}

func (s *Server) handleInvalidateToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionToken == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "session_token is required")
		return
	}
	// Another user's token answers the same as a missing one.
	if owner, found := s.deps.Tokens.Owner(req.SessionToken); !found || owner != userID {
		writeAPIError(w, http.StatusNotFound, "not_found", "session token not found")
		return
	}
	s.deps.Tokens.Invalidate(req.SessionToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReportViolation(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	var req violationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if !req.Kind.Valid() {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "unknown violation kind")
		return
	}

	alert, err := s.deps.Activity.Report(r.Context(), model.ActivityEntry{
		UserID:    userID,
		LessonID:  req.LessonID,
		Kind:      req.Kind,
		Detail:    req.Detail,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		log.Printf("event=activity_persist_failed user_id=%s kind=%s err=%v", userID, req.Kind, err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"alert": alert})
}

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}
	entries, err := s.deps.Activity.Recent(r.Context(), userID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to load activity")
		return
	}
	if entries == nil {
		entries = []model.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleSecureVideo(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.URLs.Open(r.URL.Query())
	if err != nil {
		log.Printf("event=secure_video_rejected lesson_id=%s reason=%s", r.URL.Query().Get("lesson_id"), access.Code(err))
		writeAPIError(w, http.StatusForbidden, access.Code(err), "video link is not valid")
		return
	}

	if token := r.Header.Get(hls.HeaderSessionToken); token != "" {
		if err := s.checkGrantHeaders(r, token, p); err != nil {
			log.Printf("event=secure_video_rejected lesson_id=%s user_id=%s reason=%s", p.LessonID, p.UserID, access.Code(err))
			writeAPIError(w, http.StatusForbidden, access.Code(err), "session token is not valid")
			return
		}
	}

	loc, err := s.deps.Origin.Resolve(r.Context(), p.URL)
	if err != nil {
		switch {
		case errors.Is(err, origin.ErrNotFound):
			writeAPIError(w, http.StatusNotFound, "not_found", "video not found")
		default:
			log.Printf("event=origin_resolve_failed lesson_id=%s err=%v", p.LessonID, err)
			writeAPIError(w, http.StatusBadGateway, "upstream_error", "failed to resolve video")
		}
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	http.Redirect(w, r, loc, http.StatusFound)
}

func (s *Server) checkGrantHeaders(r *http.Request, token string, p access.Payload) error {
	if id := r.Header.Get(hls.HeaderLessonID); id != "" && id != p.LessonID {
		return access.ErrMismatch
	}
	if id := r.Header.Get(hls.HeaderUserID); id != "" && id != p.UserID {
		return access.ErrMismatch
	}
	return s.deps.Tokens.Check(token, p.LessonID, p.UserID)
}
