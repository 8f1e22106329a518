package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 50

// FetchResult holds the outcome of fetching one URL of a batch.
type FetchResult struct {
	URL   string
	Image EncodedImage
	Err   error
}

// FetchPool runs a batch of fetches with at most limit of them in flight.
// Every submitted URL is eventually admitted; a failing URL never affects
// the others.
type FetchPool struct {
	limit int
	log   zerolog.Logger
}

func NewFetchPool(limit int) *FetchPool {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	return &FetchPool{limit: limit, log: componentLogger("pool")}
}

func (p *FetchPool) Limit() int {
	return p.limit
}

// RunAll fetches every url with fetch and returns results aligned
// index-for-index with urls, whatever order the fetches complete in.
func (p *FetchPool) RunAll(ctx context.Context, urls []string, fetch func(ctx context.Context, url string) (EncodedImage, error)) []FetchResult {
	results := make([]FetchResult, len(urls))
	var g errgroup.Group
	g.SetLimit(p.limit)
	for i, u := range urls {
		i, u := i, u
		results[i].URL = u
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i].Err = fmt.Errorf("fetch %s panicked: %v", u, r)
					p.log.Error().Str("url", u).Interface("panic", r).Msg("fetch panicked")
				}
			}()
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Image, results[i].Err = fetch(ctx, u)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
