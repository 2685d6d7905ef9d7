package wot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fieldbridge/fieldbridge/pkg/types"
)

const (
	fetchTimeout = 10 * time.Second
	// maxTDBytes bounds a TD document; anything larger is not a TD
	maxTDBytes = 1 << 20
)

// Fetch retrieves a Thing Description document over HTTP(S). The response is
// bounded in both time and size so a misbehaving TD server cannot stall
// source creation.
func Fetch(ctx context.Context, tdURL string) ([]byte, error) {
	u, err := url.Parse(tdURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, types.Classifyf(types.ErrConfig, "bad thing description url %q", tdURL)
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tdURL, nil)
	if err != nil {
		return nil, types.Classifyf(types.ErrConfig, "bad thing description url %q: %v", tdURL, err)
	}
	req.Header.Set("Accept", "application/td+json, application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, types.Classifyf(types.ErrTransport, "failed to fetch thing description: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.Classifyf(types.ErrTransport,
			"thing description fetch returned %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTDBytes+1))
	if err != nil {
		return nil, types.Classifyf(types.ErrTransport, "failed to read thing description: %v", err)
	}
	if len(data) > maxTDBytes {
		return nil, types.Classifyf(types.ErrConfig,
			"thing description exceeds %d bytes", maxTDBytes)
	}
	return data, nil
}

// FetchThing fetches and parses a TD in one step
func FetchThing(ctx context.Context, tdURL string) (*Thing, error) {
	data, err := Fetch(ctx, tdURL)
	if err != nil {
		return nil, err
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tdURL, err)
	}
	return t, nil
}
