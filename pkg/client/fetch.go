package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/klauspost/compress/zstd"

	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/page"
)

// ErrSnapshotGone means the requested durable version has been replaced.
var ErrSnapshotGone = errors.New("snapshot superseded")

// SnapshotFetcher loads the durable page p as persisted at time t.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, p checkbox.PageNo, t checkbox.Time) (*page.Page, error)
}

// HTTPFetcher reads snapshots from the server's /pages endpoint.
type HTTPFetcher struct {
	baseURL *url.URL
	client  *http.Client
	decoder *zstd.Decoder
}

func NewHTTPFetcher(baseURL *url.URL, client *http.Client) (*HTTPFetcher, error) {
	if client == nil {
		client = http.DefaultClient
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &HTTPFetcher{baseURL: baseURL, client: client, decoder: decoder}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, p checkbox.PageNo, t checkbox.Time) (*page.Page, error) {
	u := f.baseURL.JoinPath(fmt.Sprintf("pages/%d-%d", p, t))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "zstd")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: page %d at %d", ErrSnapshotGone, p, t)
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body from get: %w", err)
	}
	if resp.Header.Get("Content-Encoding") == "zstd" {
		if raw, err = f.decoder.DecodeAll(raw, nil); err != nil {
			return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
		}
	}
	pg, err := page.DecodeAt(raw, t)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return pg, nil
}

func (f *HTTPFetcher) Close() {
	f.decoder.Close()
}
