package model

import "time"

type Lesson struct {
	ID             string `json:"id"`
	CourseID       string `json:"course_id"`
	Title          string `json:"title"`
	Section        string `json:"section"`
	Order          int    `json:"order"`
	TargetGender   string `json:"target_gender"`
	HasVideo       bool   `json:"has_video"`
	VideoURL       string `json:"video_url"`
	VideoStreamURL string `json:"video_stream_url"`
}

// PlainVideoURL is the unprotected source used by the fallback path.
func (l *Lesson) PlainVideoURL() string {
	if l.VideoURL != "" {
		return l.VideoURL
	}
	return l.VideoStreamURL
}

type Comment struct {
	ID        string    `json:"id"`
	LessonID  string    `json:"lesson_id"`
	UserID    string    `json:"user_id"`
	Body      string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SecureGrant is what the access API hands a player for one lesson view.
type SecureGrant struct {
	SecureURL    string    `json:"secure_url"`
	SessionToken string    `json:"session_token"`
	SessionID    string    `json:"session_id"`
	Fallback     bool      `json:"fallback"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type TokenValidation struct {
	Valid          bool      `json:"valid"`
	Error          string    `json:"error,omitempty"`
	RemainingViews int       `json:"remaining_views"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// PlayerSettings is the server-side policy a player applies to its guard.
type PlayerSettings struct {
	SecurityMonitoring bool  `json:"security_monitoring"`
	MaxViolations      int   `json:"max_violations"`
	MaxViews           int   `json:"max_views"`
	TokenTTLMillis     int64 `json:"token_ttl_ms"`
}

type ViolationKind string

const (
	ViolationRightClick            ViolationKind = "right_click"
	ViolationCopy                  ViolationKind = "copy"
	ViolationDrag                  ViolationKind = "drag"
	ViolationTextSelection         ViolationKind = "text_selection"
	ViolationPrint                 ViolationKind = "print"
	ViolationForbiddenKey          ViolationKind = "forbidden_key"
	ViolationScriptInjection       ViolationKind = "script_injection"
	ViolationDownloadLinkInjection ViolationKind = "download_link_injection"
	ViolationDevToolsOpened        ViolationKind = "dev_tools_opened"
	ViolationNetworkAttempt        ViolationKind = "network_attempt"
	ViolationTokenValidation       ViolationKind = "token_validation_failed"
	ViolationHLSError              ViolationKind = "hls_error"
	ViolationVideoLoadError        ViolationKind = "video_load_error"
)

func (k ViolationKind) Valid() bool {
	switch k {
	case ViolationRightClick, ViolationCopy, ViolationDrag, ViolationTextSelection, ViolationPrint,
		ViolationForbiddenKey, ViolationScriptInjection, ViolationDownloadLinkInjection,
		ViolationDevToolsOpened, ViolationNetworkAttempt, ViolationTokenValidation,
		ViolationHLSError, ViolationVideoLoadError:
		return true
	}
	return false
}

type ActivityEntry struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	LessonID  string        `json:"lesson_id"`
	Kind      ViolationKind `json:"kind"`
	Detail    string        `json:"detail,omitempty"`
	UserAgent string        `json:"user_agent,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
