package secureurl

import (
	"fmt"
	"log"
	"net/url"
	"strconv"
	"time"

	"github.com/learnhub/lessonguard/internal/access"
)

const Path = "/api/secure-video"

type Kind int

const (
	KindSecure Kind = iota
	KindFallback
)

func (k Kind) String() string {
	if k == KindSecure {
		return "secure"
	}
	return "fallback"
}

// Result tags whether the caller got a wrapper URL or the original location back.
type Result struct {
	Kind   Kind
	URL    string
	Reason error
}

type Encrypter interface {
	Encrypt(url, lessonID, userID string) (string, error)
	Decrypt(s string) (access.Payload, error)
}

type Issuer struct {
	cipher  Encrypter
	baseURL string
	now     access.Clock
}

// NewIssuer builds wrapper URLs under baseURL; an empty base yields same-origin relative URLs.
func NewIssuer(c Encrypter, baseURL string, now access.Clock) *Issuer {
	if now == nil {
		now = time.Now
	}
	return &Issuer{cipher: c, baseURL: baseURL, now: now}
}

func (i *Issuer) Create(originalURL, lessonID, userID string) Result {
	token, err := i.cipher.Encrypt(originalURL, lessonID, userID)
	if err != nil {
		log.Printf("event=secure_url_fallback lesson_id=%s user_id=%s err=%q", lessonID, userID, err.Error())
		return Result{Kind: KindFallback, URL: originalURL, Reason: err}
	}
	q := url.Values{}
	q.Set("token", token)
	q.Set("lesson_id", lessonID)
	q.Set("user_id", userID)
	q.Set("timestamp", strconv.FormatInt(i.now().UnixMilli(), 10))
	return Result{Kind: KindSecure, URL: i.baseURL + Path + "?" + q.Encode()}
}

// Open reads a wrapper URL's query back into its payload.
func (i *Issuer) Open(q url.Values) (access.Payload, error) {
	token := q.Get("token")
	if token == "" {
		return access.Payload{}, fmt.Errorf("%w: missing token", access.ErrInvalidPayload)
	}
	p, err := i.cipher.Decrypt(token)
	if err != nil {
		return p, err
	}
	if p.LessonID != q.Get("lesson_id") || p.UserID != q.Get("user_id") {
		return p, access.ErrMismatch
	}
	return p, nil
}
