package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type HCBDonor struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type HCBDonation struct {
	Id    string    `json:"id"`
	Donor *HCBDonor `json:"donor"`
}

// HCBApi lists donor avatars of an HCB organization.
type HCBApi struct {
	Http         HTTPDoer
	cache        *ReqCache
	baseUrl      string
	perPage      int
	maxDonations int
	metrics      *Metrics
	log          zerolog.Logger
}

func NewHCBApi(cfg *Config, cache *ReqCache, client HTTPDoer, metrics *Metrics) *HCBApi {
	if client == nil {
		client = http.DefaultClient
	}
	return &HCBApi{
		Http:         client,
		cache:        cache,
		baseUrl:      strings.TrimRight(cfg.HCB.BaseURL, "/"),
		perPage:      cfg.HCB.PerPage,
		maxDonations: cfg.HCB.MaxDonations,
		metrics:      metrics,
		log:          componentLogger("hcb"),
	}
}

func (api *HCBApi) Type() string {
	return "hcb"
}

func (api *HCBApi) PageSize() int { return api.perPage }

// AvatarURLs fetches the planned donation pages in parallel and returns
// the donor avatars in page order, resized to iconSize. A page that fails
// contributes no URLs.
func (api *HCBApi) AvatarURLs(ctx context.Context, org string, iconSize int) []string {
	pages := PlanPages(0, api.maxDonations, api.perPage)
	perPage := make([][]string, len(pages))

	var g errgroup.Group
	for i, src := range pages {
		i, src := i, src
		g.Go(func() error {
			donations, err := api.donations(ctx, org, src.Page)
			if err != nil {
				api.metrics.Inc(ctx, "donation_pages_total", map[string]string{"outcome": "error"}, 1)
				api.log.Warn().Err(err).Str("org", org).Str("page", src.String()).Msg("skipping donation page")
				return nil
			}
			api.metrics.Inc(ctx, "donation_pages_total", map[string]string{"outcome": "ok"}, 1)
			first := min(len(donations), src.First)
			last := min(len(donations), src.Last)
			perPage[i] = avatarURLs(donations[first:last], iconSize)
			return nil
		})
	}
	_ = g.Wait()

	var urls []string
	for _, page := range perPage {
		urls = append(urls, page...)
	}
	api.log.Debug().Str("org", org).Int("pages", len(pages)).Int("avatars", len(urls)).Msg("listed donors")
	return urls
}

func (api *HCBApi) donations(ctx context.Context, org string, page int) ([]HCBDonation, error) {
	qParam := url.Values{}
	qParam.Add("per_page", strconv.Itoa(api.perPage))
	qParam.Add("page", strconv.Itoa(page))
	endpoint := fmt.Sprintf("%s/organizations/%s/donations?%s", api.baseUrl, url.PathEscape(org), qParam.Encode())
	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	getReq.Header.Set("Accept", "application/json")
	resp, err := api.cache.CachedFetch(getReq, api.Http)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var data []HCBDonation
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return data, nil
}

// avatarURLs picks donor avatars, skipping donations without one, and
// swaps the 128px size segment for the requested icon size.
func avatarURLs(donations []HCBDonation, iconSize int) []string {
	size := "/" + strconv.Itoa(iconSize) + "/"
	out := make([]string, 0, len(donations))
	for _, d := range donations {
		if d.Donor == nil || d.Donor.Avatar == "" {
			continue
		}
		out = append(out, strings.Replace(d.Donor.Avatar, "/128/", size, 1))
	}
	return out
}
