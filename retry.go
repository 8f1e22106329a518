package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	MaxRetriesLimit       = 20

	// maxBackoff caps a single wait on either schedule.
	maxBackoff = 5 * time.Minute
	// defaultRetryAfter stands in for a 429 without a Retry-After header.
	defaultRetryAfter = time.Second
)

var (
	ErrRateLimited    = errors.New("rate limited")
	ErrTransientFetch = errors.New("transient fetch failure")
)

// HTTPDoer is the byte-fetch collaborator; *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Code)
}

func (e *StatusError) Is(target error) bool {
	if e.Code == http.StatusTooManyRequests {
		return target == ErrRateLimited
	}
	return target == ErrTransientFetch
}

// PermanentFetchError reports a URL whose retry budget is spent.
type PermanentFetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *PermanentFetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *PermanentFetchError) Unwrap() error {
	return e.Err
}

type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// rateLimitBackoff grows linearly with the attempt number unless the
// server asked for a longer pause.
func (p RetryPolicy) rateLimitBackoff(attempt int, retryAfter time.Duration) time.Duration {
	return min(max(p.InitialBackoff*time.Duration(attempt), retryAfter), maxBackoff)
}

// failureBackoff doubles from InitialBackoff on every attempt, up to
// maxBackoff.
func (p RetryPolicy) failureBackoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

// RetryFetcher downloads avatars, retrying rate-limited responses on a
// linear schedule and every other failure on an exponential one, both
// inside the same attempt budget.
type RetryFetcher struct {
	client    HTTPDoer
	policy    RetryPolicy
	userAgent string
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	metrics   *Metrics
	log       zerolog.Logger
}

func NewRetryFetcher(client HTTPDoer, policy RetryPolicy, metrics *Metrics) *RetryFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = DefaultInitialBackoff
	}
	return &RetryFetcher{
		client:  client,
		policy:  policy,
		sleep:   sleepContext,
		now:     time.Now,
		metrics: metrics,
		log:     componentLogger("fetch"),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FetchAvatar performs one logical fetch of url. Context cancellation is
// returned as is and never retried.
func (f *RetryFetcher) FetchAvatar(ctx context.Context, url string) (EncodedImage, error) {
	att := fetchAttempt{url: url, number: 1}
	for {
		att.startedAt = f.now()
		img, err := f.attempt(ctx, url)
		if err == nil {
			f.metrics.Inc(ctx, "avatar_fetch_attempts_total", map[string]string{"outcome": "ok"}, 1)
			f.log.Debug().Str("url", url).Int("attempt", att.number).
				Dur("took", f.now().Sub(att.startedAt)).Msg("fetched")
			return img, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return EncodedImage{}, ctxErr
		}

		var backoff time.Duration
		var status *StatusError
		switch {
		case errors.As(err, &status) && errors.Is(err, ErrRateLimited) && att.number <= f.policy.MaxRetries:
			f.metrics.Inc(ctx, "avatar_fetch_attempts_total", map[string]string{"outcome": "rate_limited"}, 1)
			backoff = f.policy.rateLimitBackoff(att.number, status.RetryAfter)
			f.log.Warn().Str("url", url).Int("attempt", att.number).Dur("backoff", backoff).
				Msg("429, retrying")
		case att.number < f.policy.MaxRetries:
			f.metrics.Inc(ctx, "avatar_fetch_attempts_total", map[string]string{"outcome": "error"}, 1)
			backoff = f.policy.failureBackoff(att.number)
			f.log.Warn().Err(err).Str("url", url).Int("attempt", att.number).Dur("backoff", backoff).
				Msg("fetch failed, retrying")
		default:
			f.metrics.Inc(ctx, "avatar_fetch_attempts_total", map[string]string{"outcome": "error"}, 1)
			f.metrics.Inc(ctx, "avatar_fetch_failures_total", nil, 1)
			f.log.Error().Err(err).Str("url", url).Int("attempts", att.number).Msg("giving up")
			return EncodedImage{}, &PermanentFetchError{URL: url, Attempts: att.number, Err: err}
		}

		if err := f.sleep(ctx, backoff); err != nil {
			return EncodedImage{}, err
		}
		att.number++
	}
}

func (f *RetryFetcher) attempt(ctx context.Context, url string) (EncodedImage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return EncodedImage{}, fmt.Errorf("build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return EncodedImage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return EncodedImage{}, &StatusError{
			Code:       resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), f.now()),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return EncodedImage{}, fmt.Errorf("read body: %w", err)
	}
	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = defaultMediaType
	}
	return EncodedImage{MediaType: mediaType, Data: data}, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date. A missing header
// means one second; anything unparsable is no hint at all.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
