package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Acquisition is the outcome of AcquireAvatars. Images keeps the order of
// the surviving URLs with permanently failed ones left out.
type Acquisition struct {
	Images []EncodedImage
	Layout LayoutResult
	// URLs are the deduplicated, truncated URLs that were fetched.
	URLs   []string
	Hits   int
	Failed int
}

type AcquirerOptions struct {
	// JoinInFlight lets concurrent fetches of one URL share a single
	// network call.
	JoinInFlight bool
	// BatchTimeout bounds a whole batch; fetches still running when it
	// expires are abandoned and count as failed.
	BatchTimeout time.Duration
}

// Acquirer deduplicates avatar URLs, caps them at the layout capacity and
// fetches the rest through the cache, the pool and the retry fetcher.
type Acquirer struct {
	cache   *AvatarCache
	fetcher AvatarFetcher
	pool    *FetchPool
	opts    AcquirerOptions
	sf      *singleflight.Group
	log     zerolog.Logger
}

func NewAcquirer(cache *AvatarCache, fetcher AvatarFetcher, pool *FetchPool, opts AcquirerOptions) *Acquirer {
	a := &Acquirer{
		cache:   cache,
		fetcher: fetcher,
		pool:    pool,
		opts:    opts,
		log:     componentLogger("acquire"),
	}
	if opts.JoinInFlight {
		a.sf = &singleflight.Group{}
	}
	return a
}

// DedupeURLs drops repeated and empty URLs, keeping first occurrences in
// order.
func DedupeURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// PlanAcquisition deduplicates urls, lays out the unique ones and drops
// those beyond the layout capacity.
func PlanAcquisition(urls []string, req LayoutRequest) ([]string, LayoutResult) {
	unique := DedupeURLs(urls)
	req.AvatarCount = len(unique)
	layout := ComputeLayout(req)
	if len(unique) > layout.Capacity {
		unique = unique[:layout.Capacity]
	}
	return unique, layout
}

// AcquireAvatars returns the payloads of urls in input order together with
// the layout computed for them. Individual URL failures are dropped; the
// only error is the caller's context ending.
func (a *Acquirer) AcquireAvatars(ctx context.Context, urls []string, req LayoutRequest) (Acquisition, error) {
	start := time.Now()
	unique, layout := PlanAcquisition(urls, req)

	acq := Acquisition{Layout: layout, URLs: unique}
	found := make([]*EncodedImage, len(unique))
	var missIdx []int
	var missURLs []string
	for i, u := range unique {
		if img, ok := a.cache.Lookup(u); ok {
			found[i] = &img
			acq.Hits++
			continue
		}
		missIdx = append(missIdx, i)
		missURLs = append(missURLs, u)
	}

	if len(missURLs) > 0 {
		batchCtx := ctx
		if a.opts.BatchTimeout > 0 {
			var cancel context.CancelFunc
			batchCtx, cancel = context.WithTimeout(ctx, a.opts.BatchTimeout)
			defer cancel()
		}
		for j, res := range a.pool.RunAll(batchCtx, missURLs, a.fetch) {
			if res.Err != nil {
				acq.Failed++
				continue
			}
			img := res.Image
			found[missIdx[j]] = &img
		}
	}
	if err := ctx.Err(); err != nil {
		return Acquisition{}, err
	}

	acq.Images = make([]EncodedImage, 0, len(unique))
	for _, img := range found {
		if img != nil {
			acq.Images = append(acq.Images, *img)
		}
	}

	a.log.Info().
		Int("requested", len(urls)).
		Int("unique", len(unique)).
		Int("capacity", layout.Capacity).
		Int("hits", acq.Hits).
		Int("acquired", len(acq.Images)).
		Int("failed", acq.Failed).
		Dur("took", time.Since(start)).
		Msg("avatars acquired")
	return acq, nil
}

// fetch runs the retry fetcher for one cache miss and stores the result.
// Failed or cancelled fetches leave the cache untouched.
func (a *Acquirer) fetch(ctx context.Context, url string) (EncodedImage, error) {
	if a.sf == nil {
		return a.fetchAndStore(ctx, url)
	}
	v, err, shared := a.sf.Do(url, func() (any, error) {
		return a.fetchAndStore(ctx, url)
	})
	if shared {
		a.log.Debug().Str("url", url).Msg("joined in-flight fetch")
	}
	if err != nil {
		return EncodedImage{}, err
	}
	return v.(EncodedImage), nil
}

func (a *Acquirer) fetchAndStore(ctx context.Context, url string) (EncodedImage, error) {
	img, err := a.fetcher.FetchAvatar(ctx, url)
	if err != nil {
		return EncodedImage{}, err
	}
	a.cache.Store(url, img, a.cache.TTL())
	return img, nil
}
