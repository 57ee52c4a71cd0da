package origin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type fakeS3 struct {
	headFn    func(in *s3.HeadObjectInput) error
	heads     int
	presigned []string
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.heads++
	if err := f.headFn(in); err != nil {
		return nil, err
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PresignGetObject(_ context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var po s3.PresignOptions
	for _, fn := range opts {
		fn(&po)
	}
	u := "https://" + *in.Bucket + ".s3.amazonaws.com/" + *in.Key + "?X-Amz-Expires=" + po.Expires.String()
	f.presigned = append(f.presigned, u)
	return &v4.PresignedHTTPRequest{URL: u, Method: http.MethodGet}, nil
}

func TestPassthrough(t *testing.T) {
	got, err := NewPassthrough().Resolve(context.Background(), " https://cdn.example.com/v/intro.mp4 ")
	if err != nil || got != "https://cdn.example.com/v/intro.mp4" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
	if _, err := NewPassthrough().Resolve(context.Background(), "file:///etc/passwd"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestS3Resolver_PresignsExistingObject(t *testing.T) {
	f := &fakeS3{headFn: func(in *s3.HeadObjectInput) error {
		if *in.Bucket != "lessons" || *in.Key != "course-1/intro.m3u8" {
			t.Fatalf("unexpected head input %s/%s", *in.Bucket, *in.Key)
		}
		return nil
	}}
	r := newS3Resolver(f, f, "eu-central-1", 2*time.Minute)

	got, err := r.Resolve(context.Background(), "s3://lessons/course-1/intro.m3u8")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !strings.HasPrefix(got, "https://lessons.s3.amazonaws.com/course-1/intro.m3u8") || !strings.Contains(got, "X-Amz-Expires=2m0s") {
		t.Fatalf("unexpected presigned url %q", got)
	}
}

func TestS3Resolver_NotFound(t *testing.T) {
	f := &fakeS3{headFn: func(*s3.HeadObjectInput) error {
		return &smithy.GenericAPIError{Code: "NotFound", Message: "missing"}
	}}
	r := newS3Resolver(f, f, "eu-central-1", 0)

	if _, err := r.Resolve(context.Background(), "s3://lessons/missing.mp4"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if f.heads != 1 || len(f.presigned) != 0 {
		t.Fatalf("expected single head and no presign, got heads=%d presigned=%d", f.heads, len(f.presigned))
	}
}

func TestS3Resolver_RetriesThrottling(t *testing.T) {
	prev := retryBaseDelay
	retryBaseDelay = time.Millisecond
	defer func() { retryBaseDelay = prev }()

	f := &fakeS3{}
	f.headFn = func(*s3.HeadObjectInput) error {
		if f.heads < 3 {
			return &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce rate"}
		}
		return nil
	}
	r := newS3Resolver(f, f, "eu-central-1", 0)

	if _, err := r.Resolve(context.Background(), "s3://lessons/a.mp4"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if f.heads != 3 {
		t.Fatalf("expected 3 head attempts, got %d", f.heads)
	}
}

func TestS3Resolver_DelegatesHTTPAndRejectsBadS3(t *testing.T) {
	f := &fakeS3{headFn: func(*s3.HeadObjectInput) error { return nil }}
	r := newS3Resolver(f, f, "eu-central-1", 0)

	got, err := r.Resolve(context.Background(), "https://cdn.example.com/a.mp4")
	if err != nil || got != "https://cdn.example.com/a.mp4" || f.heads != 0 {
		t.Fatalf("expected passthrough, got %q %v heads=%d", got, err, f.heads)
	}
	if _, err := r.Resolve(context.Background(), "s3://lessons"); err == nil {
		t.Fatal("expected error for s3 url without key")
	}
}

func TestIsTransientAWSError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown", Message: "throttle"}, true},
		{"service unavailable", &smithy.GenericAPIError{Code: "ServiceUnavailable", Message: "retry later"}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied", Message: "nope"}, false},
		{"non aws error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransientAWSError(tt.err); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryAWS_NonTransientDoesNotRetry(t *testing.T) {
	attempts := 0
	err := retryAWS(context.Background(), "head_object", "us-east-1", func(context.Context) error {
		attempts++
		return &smithy.GenericAPIError{Code: "AccessDenied", Message: "bad request"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestWithJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := withJitter(time.Second)
		if d < 100*time.Millisecond || d >= time.Second {
			t.Fatalf("jitter out of range: %s", d)
		}
	}
}
