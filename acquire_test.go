package main

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, url string) (EncodedImage, error)
}

func (s *stubFetcher) FetchAvatar(ctx context.Context, url string) (EncodedImage, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[url]++
	s.mu.Unlock()
	if s.fn == nil {
		return EncodedImage{MediaType: "image/png", Data: []byte(url)}, nil
	}
	return s.fn(ctx, url)
}

func (s *stubFetcher) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func newTestAcquirer(f AvatarFetcher, opts AcquirerOptions) (*Acquirer, *AvatarCache, *Metrics) {
	metrics := NewMetrics()
	c := NewAvatarCache(100, time.Hour, metrics)
	return NewAcquirer(c, f, NewFetchPool(4), opts), c, metrics
}

func dataOf(images []EncodedImage) []string {
	out := make([]string, len(images))
	for i, img := range images {
		out[i] = string(img.Data)
	}
	return out
}

func TestDedupeURLs(t *testing.T) {
	got := DedupeURLs([]string{"b", "a", "", "b", "c", "a"})
	assert.Equal(t, []string{"b", "a", "c"}, got)
	assert.Empty(t, DedupeURLs(nil))
}

func TestPlanAcquisitionTruncatesToCapacity(t *testing.T) {
	urls := append(testURLs(10), testURLs(3)...)
	unique, layout := PlanAcquisition(urls, LayoutRequest{IconSize: 8, MaxColumns: 3, MaxRows: 2})

	assert.Equal(t, 6, layout.Capacity)
	assert.Equal(t, testURLs(6), unique)
	assert.Equal(t, 3, layout.Columns)
	assert.Equal(t, 2, layout.Rows)
}

func TestAcquireAvatarsOrderAndDedupe(t *testing.T) {
	f := &stubFetcher{fn: func(_ context.Context, url string) (EncodedImage, error) {
		if url == "c" {
			time.Sleep(5 * time.Millisecond)
		}
		return EncodedImage{MediaType: "image/png", Data: []byte(url)}, nil
	}}
	a, _, _ := newTestAcquirer(f, AcquirerOptions{})

	acq, err := a.AcquireAvatars(context.Background(), []string{"c", "a", "c", "b", "a"}, LayoutRequest{IconSize: 8, MaxColumns: 5, MaxRows: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, dataOf(acq.Images))
	assert.Equal(t, []string{"c", "a", "b"}, acq.URLs)
	assert.Equal(t, 3, acq.Layout.Columns)
	assert.Equal(t, 3, f.total(), "each unique url is fetched once")
}

func TestAcquireAvatarsNeverFetchesBeyondCapacity(t *testing.T) {
	f := &stubFetcher{}
	a, _, _ := newTestAcquirer(f, AcquirerOptions{})
	urls := testURLs(30)

	acq, err := a.AcquireAvatars(context.Background(), urls, LayoutRequest{IconSize: 8, MaxColumns: 4, MaxRows: 2})
	require.NoError(t, err)
	assert.Equal(t, 8, acq.Layout.Capacity)
	assert.Equal(t, urls[:8], dataOf(acq.Images))
	assert.Equal(t, 8, f.total())
	for _, u := range urls[8:] {
		assert.Zero(t, f.calls[u], u)
	}
}

func TestAcquireAvatarsUsesCache(t *testing.T) {
	f := &stubFetcher{}
	a, c, _ := newTestAcquirer(f, AcquirerOptions{})
	c.Store("a", EncodedImage{MediaType: "image/png", Data: []byte("cached-a")}, 0)
	req := LayoutRequest{IconSize: 8, MaxColumns: 5, MaxRows: 5}

	acq, err := a.AcquireAvatars(context.Background(), []string{"a", "b"}, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"cached-a", "b"}, dataOf(acq.Images))
	assert.Equal(t, 1, acq.Hits)
	assert.Equal(t, 1, f.total())

	acq, err = a.AcquireAvatars(context.Background(), []string{"a", "b"}, req)
	require.NoError(t, err)
	assert.Equal(t, 2, acq.Hits)
	assert.Equal(t, 1, f.total(), "second batch is served from the cache")
}

func TestAcquireAvatarsDropsFailures(t *testing.T) {
	f := &stubFetcher{fn: func(_ context.Context, url string) (EncodedImage, error) {
		if url == "bad" {
			return EncodedImage{}, &PermanentFetchError{URL: url, Attempts: 3, Err: &StatusError{Code: 500}}
		}
		return EncodedImage{Data: []byte(url)}, nil
	}}
	a, c, _ := newTestAcquirer(f, AcquirerOptions{})

	acq, err := a.AcquireAvatars(context.Background(), []string{"a", "bad", "b"}, LayoutRequest{IconSize: 8, MaxColumns: 5, MaxRows: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, dataOf(acq.Images))
	assert.Equal(t, 1, acq.Failed)
	assert.Equal(t, 3, acq.Layout.Columns, "layout is computed before fetching")

	_, ok := c.Lookup("bad")
	assert.False(t, ok, "failures are not cached")
}

func TestAcquireAvatarsAllFail(t *testing.T) {
	f := &stubFetcher{fn: func(context.Context, string) (EncodedImage, error) {
		return EncodedImage{}, &PermanentFetchError{Attempts: 4, Err: &StatusError{Code: 429}}
	}}
	a, _, _ := newTestAcquirer(f, AcquirerOptions{})

	acq, err := a.AcquireAvatars(context.Background(), testURLs(5), LayoutRequest{IconSize: 8, MaxColumns: 5, MaxRows: 5})
	require.NoError(t, err)
	assert.Empty(t, acq.Images)
	assert.Equal(t, 5, acq.Failed)
}

func TestAcquireAvatarsRateLimitedEndToEnd(t *testing.T) {
	var limited atomic.Int32
	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/limited.png" {
			limited.Add(1)
			return newResponse(http.StatusTooManyRequests, nil, ""), nil
		}
		return newResponse(http.StatusOK, http.Header{"Content-Type": {"image/png"}}, req.URL.Path), nil
	})
	fetcher, _ := newTestFetcher(doer)
	a, _, _ := newTestAcquirer(fetcher, AcquirerOptions{})

	urls := []string{"https://x.example/a.png", "https://x.example/limited.png", "https://x.example/b.png"}
	acq, err := a.AcquireAvatars(context.Background(), urls, LayoutRequest{IconSize: 8, MaxColumns: 5, MaxRows: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a.png", "/b.png"}, dataOf(acq.Images))
	assert.Equal(t, int32(4), limited.Load())
}

func TestAcquireAvatarsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &stubFetcher{fn: func(ctx context.Context, _ string) (EncodedImage, error) {
		cancel()
		<-ctx.Done()
		return EncodedImage{}, ctx.Err()
	}}
	a, _, _ := newTestAcquirer(f, AcquirerOptions{})

	_, err := a.AcquireAvatars(ctx, testURLs(3), LayoutRequest{IconSize: 8, MaxColumns: 5, MaxRows: 5})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquireAvatarsBatchTimeout(t *testing.T) {
	f := &stubFetcher{fn: func(ctx context.Context, url string) (EncodedImage, error) {
		if url == "slow" {
			<-ctx.Done()
			return EncodedImage{}, ctx.Err()
		}
		return EncodedImage{Data: []byte(url)}, nil
	}}
	a, c, _ := newTestAcquirer(f, AcquirerOptions{BatchTimeout: 20 * time.Millisecond})

	acq, err := a.AcquireAvatars(context.Background(), []string{"fast", "slow"}, LayoutRequest{IconSize: 8, MaxColumns: 5, MaxRows: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"fast"}, dataOf(acq.Images))
	assert.Equal(t, 1, acq.Failed)

	_, ok := c.Lookup("slow")
	assert.False(t, ok, "abandoned fetches are not cached")
	_, ok = c.Lookup("fast")
	assert.True(t, ok)
}

func TestAcquireAvatarsJoinInFlight(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	f := &stubFetcher{fn: func(_ context.Context, url string) (EncodedImage, error) {
		started.Add(1)
		<-release
		return EncodedImage{Data: []byte(url)}, nil
	}}
	a, _, metrics := newTestAcquirer(f, AcquirerOptions{JoinInFlight: true})
	req := LayoutRequest{IconSize: 8, MaxColumns: 5, MaxRows: 5}

	var wg sync.WaitGroup
	results := make([]Acquisition, 2)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			acq, err := a.AcquireAvatars(context.Background(), []string{"shared"}, req)
			assert.NoError(t, err)
			results[i] = acq
		}()
	}

	// Both batches have missed the cache once the second miss is counted.
	require.Eventually(t, func() bool {
		return metrics.Value("avatar_cache_misses_total", nil) == 2
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return started.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, f.total(), "concurrent fetches of one url share a call")
	for _, acq := range results {
		assert.Equal(t, []string{"shared"}, dataOf(acq.Images))
	}
}
