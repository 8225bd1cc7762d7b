package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/qobuzdl/server/internal/api"
	"github.com/qobuzdl/server/internal/catalog"
	"github.com/qobuzdl/server/internal/download"
	apperrors "github.com/qobuzdl/server/internal/errors"
)

// apiClient talks to the server's JSON API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string, timeout time.Duration) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint := c.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var errResp apperrors.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error.Message != "" {
			return fmt.Errorf("server: %s", errResp.Error.Message)
		}
		var dl api.DownloadResponse
		if json.Unmarshal(data, &dl) == nil && dl.Message != "" {
			return fmt.Errorf("server: %s", dl.Message)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) QueueStatus(ctx context.Context) (*download.Snapshot, error) {
	var snap download.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/queue-status", nil, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *apiClient) GetAlbum(ctx context.Context, albumID string) (*catalog.Album, error) {
	var album catalog.Album
	resp := api.DataResponse{Data: &album}
	if err := c.do(ctx, http.MethodGet, "/api/get-album", url.Values{"album_id": {albumID}}, nil, &resp); err != nil {
		return nil, err
	}
	return &album, nil
}

func (c *apiClient) Search(ctx context.Context, query string, limit int) (*catalog.SearchResults, error) {
	var results catalog.SearchResults
	resp := api.DataResponse{Data: &results}
	params := url.Values{"q": {query}, "limit": {fmt.Sprint(limit)}}
	if err := c.do(ctx, http.MethodGet, "/api/search", params, nil, &resp); err != nil {
		return nil, err
	}
	return &results, nil
}

func (c *apiClient) Enqueue(ctx context.Context, item catalog.Item) (*api.DownloadResponse, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	var resp api.DownloadResponse
	if err := c.do(ctx, http.MethodPost, "/api/server-download", nil, api.DownloadRequest{Item: raw}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
