package origin

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/aws/smithy-go"

	"github.com/learnhub/lessonguard/internal/metrics"
)

var retryBaseDelay = 100 * time.Millisecond

func retryAWS(ctx context.Context, opName, region string, fn func(context.Context) error) error {
	const (
		maxAttempts = 3
		maxDelay    = time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientAWSError(err) {
			return err
		}
		if attempt == maxAttempts {
			metrics.Default().IncCounter("lessonguard_aws_retry_exhausted_total", map[string]string{
				"op":     opName,
				"region": region,
			})
			return err
		}
		metrics.Default().IncCounter("lessonguard_aws_retries_total", map[string]string{
			"op":     opName,
			"region": region,
			"reason": awsErrorCode(err),
		})
		delay := retryBaseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		log.Printf("event=aws_retry op=%s region=%s attempt=%d delay_ms=%d err=%q", opName, region, attempt, delay.Milliseconds(), err.Error())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// withJitter returns a delay in [10% of d, d).
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	floor := d / 10
	span := uint64(d - floor)
	if span == 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + time.Duration(span/2)
	}
	return floor + time.Duration(binary.LittleEndian.Uint64(raw[:])%span)
}

func isTransientAWSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "SlowDown",
		"Throttling",
		"ThrottlingException",
		"RequestLimitExceeded",
		"RequestTimeout",
		"ServiceUnavailable",
		"InternalError":
		return true
	default:
		return false
	}
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
