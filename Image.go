package main

import (
	"context"
	"time"
)

const defaultMediaType = "image/png"

// EncodedImage is an avatar payload as served by its upstream, tagged with
// the declared media type. The bytes are never interpreted here.
type EncodedImage struct {
	MediaType string
	Data      []byte
}

type AvatarFetcher interface {
	FetchAvatar(ctx context.Context, url string) (EncodedImage, error)
}

// DonationSource lists avatar URLs for an organization. It never fails as a
// whole: upstream pages that cannot be read contribute nothing.
type DonationSource interface {
	AvatarURLs(ctx context.Context, org string, iconSize int) []string
	Type() string
	PageSize() int
}

// fetchAttempt is the per-call state of one retry sequence.
type fetchAttempt struct {
	url       string
	number    int
	startedAt time.Time
}
