package main

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

func processError(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(2)
}

// App wires the components together for one process. The avatar cache is
// created here once and shared by every request.
type App struct {
	Config   Config
	Metrics  *Metrics
	Store    *Store
	ReqCache *ReqCache
	Source   DonationSource
	Cache    *AvatarCache
	Acquirer *Acquirer
	Renderer *Renderer
}

func NewApp(cfg Config) (*App, error) {
	metrics := NewMetrics()
	store, err := NewStore("donorgraph")
	if err != nil {
		return nil, err
	}
	renderer, err := NewRenderer(RenderStyle{Background: cfg.Grid.Background, Border: cfg.Grid.Border})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	reqCache := NewReqCache(store, cfg.HCB.PageCacheTTL.Std(), metrics)
	avatarCache := NewAvatarCache(cfg.Avatars.CacheSize, cfg.Avatars.CacheTTL.Std(), metrics)
	fetcher := NewRetryFetcher(client, RetryPolicy{
		MaxRetries:     cfg.Avatars.MaxRetries,
		InitialBackoff: cfg.Avatars.InitialBackoff.Std(),
	}, metrics)
	fetcher.userAgent = cfg.Avatars.UserAgent
	acquirer := NewAcquirer(avatarCache, fetcher, NewFetchPool(cfg.Avatars.Concurrency), AcquirerOptions{
		JoinInFlight: cfg.Avatars.JoinInFlight,
		BatchTimeout: cfg.Avatars.BatchTimeout.Std(),
	})

	return &App{
		Config:   cfg,
		Metrics:  metrics,
		Store:    store,
		ReqCache: reqCache,
		Source:   NewHCBApi(&cfg, reqCache, client, metrics),
		Cache:    avatarCache,
		Acquirer: acquirer,
		Renderer: renderer,
	}, nil
}

func (a *App) Close() error {
	return a.Store.Close()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		processError(err)
	}
}
