package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://avatars.example/%d.png", i)
	}
	return urls
}

func TestRunAllKeepsInputOrder(t *testing.T) {
	urls := testURLs(40)
	pool := NewFetchPool(8)

	results := pool.RunAll(context.Background(), urls, func(_ context.Context, url string) (EncodedImage, error) {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		return EncodedImage{MediaType: "image/png", Data: []byte(url)}, nil
	})

	require.Len(t, results, len(urls))
	for i, res := range results {
		assert.Equal(t, urls[i], res.URL)
		assert.NoError(t, res.Err)
		assert.Equal(t, []byte(urls[i]), res.Image.Data)
	}
}

func TestRunAllBoundsInFlight(t *testing.T) {
	const limit = 10
	var inFlight, peak, calls atomic.Int32
	pool := NewFetchPool(limit)

	results := pool.RunAll(context.Background(), testURLs(50), func(context.Context, string) (EncodedImage, error) {
		calls.Add(1)
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return EncodedImage{}, nil
	})

	assert.Len(t, results, 50)
	assert.Equal(t, int32(50), calls.Load(), "every url is admitted")
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestRunAllIsolatesFailures(t *testing.T) {
	urls := testURLs(6)
	boom := errors.New("boom")
	pool := NewFetchPool(3)

	results := pool.RunAll(context.Background(), urls, func(_ context.Context, url string) (EncodedImage, error) {
		switch url {
		case urls[1]:
			return EncodedImage{}, boom
		case urls[4]:
			panic("decoder exploded")
		}
		return EncodedImage{Data: []byte("ok")}, nil
	})

	for i, res := range results {
		switch i {
		case 1:
			assert.ErrorIs(t, res.Err, boom)
		case 4:
			assert.ErrorContains(t, res.Err, "panicked")
		default:
			assert.NoError(t, res.Err)
			assert.Equal(t, []byte("ok"), res.Image.Data)
		}
	}
}

func TestRunAllCancelledBeforeAdmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32

	results := NewFetchPool(2).RunAll(ctx, testURLs(5), func(context.Context, string) (EncodedImage, error) {
		calls.Add(1)
		return EncodedImage{}, nil
	})

	assert.Zero(t, calls.Load())
	for _, res := range results {
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
}

func TestNewFetchPoolDefaultLimit(t *testing.T) {
	assert.Equal(t, DefaultConcurrency, NewFetchPool(0).Limit())
	assert.Equal(t, DefaultConcurrency, NewFetchPool(-3).Limit())
	assert.Equal(t, 7, NewFetchPool(7).Limit())
}

func TestRunAllEmpty(t *testing.T) {
	results := NewFetchPool(4).RunAll(context.Background(), nil, func(context.Context, string) (EncodedImage, error) {
		t.Fatal("fetch called for empty batch")
		return EncodedImage{}, nil
	})
	assert.Empty(t, results)
}
