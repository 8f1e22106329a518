package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/rs/zerolog"
)

// ReqCache caches successful upstream responses keyed by a hash of the
// dumped request.
type ReqCache struct {
	store   *Store
	ttl     time.Duration
	now     func() time.Time
	metrics *Metrics
	log     zerolog.Logger
}

func NewReqCache(store *Store, ttl time.Duration, metrics *Metrics) *ReqCache {
	return &ReqCache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		metrics: metrics,
		log:     componentLogger("reqcache"),
	}
}

// PurgeExpired deletes expired responses every interval until ctx ends.
func (rc *ReqCache) PurgeExpired(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := rc.store.DeleteBefore(ctx, rc.now())
			if err != nil {
				rc.log.Error().Err(err).Msg("purge failed")
				continue
			}
			if n > 0 {
				rc.log.Debug().Int64("rows", n).Msg("purged expired responses")
			}
		}
	}
}

func requestHash(req *http.Request) string {
	reqBytes, _ := httputil.DumpRequest(req, true)
	sum := md5.Sum(reqBytes)
	return hex.EncodeToString(sum[:])
}

// CachedFetch serves req from the cache when possible, otherwise sends it
// with client and caches a 2xx response. A zero ttl disables caching.
func (rc *ReqCache) CachedFetch(req *http.Request, client HTTPDoer) (*http.Response, error) {
	if rc == nil || rc.ttl <= 0 {
		return client.Do(req)
	}
	ctx := req.Context()
	reqHash := requestHash(req)
	if data, ok := rc.store.GetResponse(ctx, reqHash, rc.now()); ok {
		res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), req)
		if err == nil {
			rc.metrics.Inc(ctx, "request_cache_total", map[string]string{"result": "hit"}, 1)
			return res, nil
		}
		rc.log.Warn().Err(err).Msg("problems decoding cached result")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}
	respBytes, err := httputil.DumpResponse(resp, true)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	rc.metrics.Inc(ctx, "request_cache_total", map[string]string{"result": "miss"}, 1)
	rc.log.Debug().Str("host", req.URL.Host).Str("path", req.URL.Path).Msg("MISS")
	if err := rc.store.StoreResponse(ctx, reqHash, respBytes, rc.now().Add(rc.ttl)); err != nil {
		rc.log.Error().Err(err).Msg("caching response")
	}
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(respBytes)), req)
}
