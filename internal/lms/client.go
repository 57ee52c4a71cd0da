// Package lms talks to the learning platform's REST API and to lessonguard's own access
// endpoints on behalf of a signed-in user.
package lms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/learnhub/lessonguard/internal/model"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError carries a non-2xx response. It unwraps to ErrNotFound or ErrUnauthorized
// where the status maps onto one.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	}
	return nil
}

type caller struct {
	baseURL string
	http    *http.Client
	bearer  string
}

func newCaller(baseURL string, httpClient *http.Client, bearer string) caller {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return caller{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient, bearer: bearer}
}

func (c caller) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeStatusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeStatusError(resp *http.Response) error {
	se := &StatusError{StatusCode: resp.StatusCode}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Code != "" {
		se.Code = envelope.Error.Code
		se.Message = envelope.Error.Message
	} else {
		se.Message = strings.TrimSpace(string(raw))
	}
	return se
}

// Client is the learning platform API client.
type Client struct {
	c caller
}

func New(baseURL string, httpClient *http.Client, bearer string) *Client {
	return &Client{c: newCaller(baseURL, httpClient, bearer)}
}

// WithBearer returns a client that authenticates as a different user.
func (cl *Client) WithBearer(bearer string) *Client {
	c := cl.c
	c.bearer = bearer
	return &Client{c: c}
}

func (cl *Client) GetLesson(ctx context.Context, lessonID string) (*model.Lesson, error) {
	var l model.Lesson
	if err := cl.c.do(ctx, http.MethodGet, "/lessons/"+url.PathEscape(lessonID), nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLessonAs fetches the lesson with the caller's own credentials.
func (cl *Client) GetLessonAs(ctx context.Context, bearer, lessonID string) (*model.Lesson, error) {
	return cl.WithBearer(bearer).GetLesson(ctx, lessonID)
}

func (cl *Client) ListCourseLessons(ctx context.Context, courseID string) ([]model.Lesson, error) {
	var out []model.Lesson
	if err := cl.c.do(ctx, http.MethodGet, "/courses/"+url.PathEscape(courseID)+"/lessons", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (cl *Client) CreateComment(ctx context.Context, lessonID, content string) (model.Comment, error) {
	in := map[string]string{"lesson_id": lessonID, "content": content}
	var out model.Comment
	err := cl.c.do(ctx, http.MethodPost, "/comments", in, &out)
	return out, err
}

func (cl *Client) ListComments(ctx context.Context, lessonID string) ([]model.Comment, error) {
	var out []model.Comment
	if err := cl.c.do(ctx, http.MethodGet, "/lessons/"+url.PathEscape(lessonID)+"/comments", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (cl *Client) DeleteComment(ctx context.Context, commentID string) error {
	return cl.c.do(ctx, http.MethodDelete, "/comments/"+url.PathEscape(commentID), nil, nil)
}
