package lms

import (
	"context"
	"net/http"
	"net/url"

	"github.com/learnhub/lessonguard/internal/model"
)

// AccessClient calls lessonguard's own API. It satisfies the player's access and
// reporter dependencies.
type AccessClient struct {
	c caller
}

func NewAccessClient(baseURL string, httpClient *http.Client, bearer string) *AccessClient {
	return &AccessClient{c: newCaller(baseURL, httpClient, bearer)}
}

func (a *AccessClient) PlayerSettings(ctx context.Context) (model.PlayerSettings, error) {
	var out model.PlayerSettings
	err := a.c.do(ctx, http.MethodGet, "/api/v1/player/settings", nil, &out)
	return out, err
}

func (a *AccessClient) RequestSecureURL(ctx context.Context, lessonID string) (model.SecureGrant, error) {
	var out model.SecureGrant
	err := a.c.do(ctx, http.MethodPost, "/api/v1/lessons/"+url.PathEscape(lessonID)+"/secure-url", nil, &out)
	return out, err
}

func (a *AccessClient) ValidateToken(ctx context.Context, token, lessonID string) (model.TokenValidation, error) {
	in := map[string]string{"session_token": token, "lesson_id": lessonID}
	var out model.TokenValidation
	err := a.c.do(ctx, http.MethodPost, "/api/v1/tokens/validate", in, &out)
	return out, err
}

func (a *AccessClient) InvalidateToken(ctx context.Context, token string) error {
	return a.c.do(ctx, http.MethodPost, "/api/v1/tokens/invalidate", map[string]string{"session_token": token}, nil)
}

// Report sends one suspicious-activity entry and returns whether the server flagged it
// for alerting.
func (a *AccessClient) Report(ctx context.Context, e model.ActivityEntry) (bool, error) {
	in := map[string]string{"lesson_id": e.LessonID, "kind": string(e.Kind), "detail": e.Detail}
	var out struct {
		Alert bool `json:"alert"`
	}
	if err := a.c.do(ctx, http.MethodPost, "/api/v1/security/violations", in, &out); err != nil {
		return false, err
	}
	return out.Alert, nil
}
