package origin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/learnhub/lessonguard/internal/metrics"
)

const DefaultPresignTTL = 5 * time.Minute

type headObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Resolver presigns s3://bucket/key locations after checking the object exists.
// Other schemes go through Passthrough.
type S3Resolver struct {
	head    headObjectAPI
	presign presignAPI
	region  string
	ttl     time.Duration
}

type S3Options struct {
	Region string
	TTL    time.Duration
}

func NewS3Resolver(ctx context.Context, opts S3Options) (*S3Resolver, error) {
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		return nil, fmt.Errorf("S3 region is required")
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return newS3Resolver(client, s3.NewPresignClient(client), region, opts.TTL), nil
}

func newS3Resolver(head headObjectAPI, presign presignAPI, region string, ttl time.Duration) *S3Resolver {
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	return &S3Resolver{head: head, presign: presign, region: region, ttl: ttl}
}

func (r *S3Resolver) Resolve(ctx context.Context, raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse media url: %w", err)
	}
	if u.Scheme != "s3" {
		return Passthrough{}.Resolve(ctx, raw)
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", fmt.Errorf("s3 url needs bucket and key: %q", raw)
	}

	start := time.Now()
	out, err := r.resolve(ctx, bucket, key)
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	labels := map[string]string{"provider": "s3", "status": status}
	metrics.Default().IncCounter("lessonguard_origin_resolve_total", labels)
	metrics.Default().ObserveHistogram("lessonguard_origin_resolve_latency_ms", float64(time.Since(start).Milliseconds()), labels)
	return out, err
}

func (r *S3Resolver) resolve(ctx context.Context, bucket, key string) (string, error) {
	headStart := time.Now()
	err := retryAWS(ctx, "head_object", r.region, func(callCtx context.Context) error {
		_, headErr := r.head.HeadObject(callCtx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return headErr
	})
	observeAWS("head_object", r.region, headStart, err)
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
		}
		return "", fmt.Errorf("head object: %w", err)
	}

	req, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(r.ttl))
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}
	log.Printf("event=origin_presigned bucket=%s key=%q ttl_s=%d", bucket, key, int(r.ttl.Seconds()))
	return req.URL, nil
}

func observeAWS(op, region string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		if isNotFound(err) {
			status = "not_found"
		}
	}
	labels := map[string]string{"op": op, "region": region, "status": status}
	metrics.Default().IncCounter("lessonguard_aws_operations_total", labels)
	metrics.Default().ObserveHistogram("lessonguard_aws_operation_latency_ms", float64(time.Since(start).Milliseconds()), labels)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NotFound", "NoSuchKey", "NoSuchBucket":
		return true
	default:
		return false
	}
}
