package catalog

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/qobuzdl/server/internal/errors"
	"github.com/qobuzdl/server/internal/logger"
)

const (
	headerAppID     = "X-App-Id"
	headerUserToken = "X-User-Auth-Token"

	probeTimeout   = 5 * time.Second
	maxErrorBody   = 4 << 10
	albumCacheKey  = "catalog:album:"
	defaultPerPage = 30
)

// CredentialSource hands out the currently trusted credential.
type CredentialSource interface {
	GetValidCredential(ctx context.Context) (string, error)
	Invalidate()
}

// AlbumCache stores serialized album metadata.
type AlbumCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// StatusError is returned when the catalog answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog returned status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) isAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	AppID      string
	AppSecret  string
	HTTPClient *http.Client
	Cache      AlbumCache
	CacheTTL   time.Duration
	Logger     *logger.Logger
}

// Client talks to the remote catalog API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	appID      string
	secret     string
	creds      CredentialSource
	cache      AlbumCache
	cacheTTL   time.Duration
	log        *logger.Logger
	now        func() time.Time
}

// NewClient creates a catalog client. Credentials must be attached with
// SetCredentials before any authenticated call.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default().WithComponent("catalog")
	}
	base := opts.BaseURL
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		appID:      opts.AppID,
		secret:     opts.AppSecret,
		cache:      opts.Cache,
		cacheTTL:   opts.CacheTTL,
		log:        log,
		now:        time.Now,
	}
}

// SetCredentials attaches the credential pool. The pool itself probes
// through this client, so the two are wired after construction.
func (c *Client) SetCredentials(src CredentialSource) {
	c.creds = src
}

// doRequest performs a GET against the catalog with the app id and the given
// user token attached.
func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values, token string) ([]byte, error) {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerAppID, c.appID)
	req.Header.Set(headerUserToken, token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// get is the pass-through path: current credential, no rotation.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if c.creds == nil {
		return apperrors.ConfigurationError("catalog client has no credential source")
	}
	token, err := c.creds.GetValidCredential(ctx)
	if err != nil {
		return err
	}

	body, err := c.doRequest(ctx, endpoint, params, token)
	if err != nil {
		return c.wrapError(ctx, endpoint, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.CatalogError("failed to parse " + endpoint + " response").WithCause(err)
	}
	return nil
}

func (c *Client) wrapError(ctx context.Context, endpoint string, err error) error {
	var se *StatusError
	if stderrors.As(err, &se) {
		if se.StatusCode == http.StatusNotFound {
			return apperrors.NotFound(endpoint).WithCause(err)
		}
		return apperrors.CatalogError(endpoint + " failed").
			WithDetails(map[string]any{"status": se.StatusCode}).
			WithCause(err)
	}
	if ctx.Err() == context.DeadlineExceeded {
		return apperrors.ExternalTimeout("catalog").WithCause(err)
	}
	return apperrors.CatalogError(endpoint + " failed").WithCause(err)
}

// requestSignature signs a getFileUrl call. The catalog recomputes the
// same digest from the query and the shared app secret.
func requestSignature(trackID int64, formatID FormatID, ts int64, secret string) string {
	payload := fmt.Sprintf("trackgetFileUrlformat_id%dintentstreamtrack_id%d%d%s", formatID, trackID, ts, secret)
	sum := md5.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func (c *Client) fetchFileURL(ctx context.Context, trackID int64, format FormatID, token string) (*FileURL, error) {
	ts := c.now().Unix()
	params := url.Values{}
	params.Set("format_id", strconv.Itoa(int(format)))
	params.Set("intent", "stream")
	params.Set("track_id", strconv.FormatInt(trackID, 10))
	params.Set("request_ts", strconv.FormatInt(ts, 10))
	params.Set("request_sig", requestSignature(trackID, format, ts, c.secret))

	body, err := c.doRequest(ctx, "track/getFileUrl", params, token)
	if err != nil {
		return nil, err
	}

	var fu FileURL
	if err := json.Unmarshal(body, &fu); err != nil {
		return nil, apperrors.CatalogError("failed to parse getFileUrl response").WithCause(err)
	}
	return &fu, nil
}

// ResolveMediaLocation asks the catalog where to fetch a track's audio.
//
// A preview answer or a 401/403 means the trusted credential went bad: the
// credential is invalidated and the call is retried once with a freshly
// selected one. The second failure is final.
func (c *Client) ResolveMediaLocation(ctx context.Context, trackID int64, format FormatID) (*FileURL, error) {
	if c.creds == nil {
		return nil, apperrors.ConfigurationError("catalog client has no credential source")
	}

	fields := map[string]interface{}{"track_id": trackID, "format_id": int(format)}
	var lastErr error

	for attempt := 1; attempt <= 2; attempt++ {
		token, err := c.creds.GetValidCredential(ctx)
		if err != nil {
			return nil, err
		}

		fu, err := c.fetchFileURL(ctx, trackID, format, token)
		var se *StatusError
		switch {
		case err == nil && !fu.IsPreview():
			if fu.URL == "" {
				return nil, apperrors.CatalogError("catalog returned no media url").WithDetails(map[string]any{"track_id": trackID})
			}
			return fu, nil
		case err == nil:
			lastErr = apperrors.EntitlementExhausted().WithDetails(map[string]any{"track_id": trackID})
			c.log.Warn(ctx, "catalog served a preview, rotating credential", withAttempt(fields, attempt))
		case stderrors.As(err, &se) && se.isAuth():
			lastErr = apperrors.TransientAuth(se.StatusCode).WithCause(err)
			c.log.Warn(ctx, "catalog rejected credential, rotating", withAttempt(fields, attempt))
		default:
			return nil, c.wrapError(ctx, "track/getFileUrl", err)
		}

		c.creds.Invalidate()
	}

	return nil, lastErr
}

func withAttempt(fields map[string]interface{}, attempt int) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["attempt"] = attempt
	return out
}

// userResponse is the subset of user/get needed to judge a credential.
type userResponse struct {
	Credential struct {
		Parameters struct {
			LosslessStreaming *bool `json:"lossless_streaming"`
		} `json:"parameters"`
	} `json:"credential"`
}

// ProbeCredential reports whether token currently carries a lossless
// streaming entitlement. Any failure counts as invalid.
func (c *Client) ProbeCredential(ctx context.Context, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	body, err := c.doRequest(ctx, "user/get", nil, token)
	if err != nil {
		c.log.Debug(ctx, "credential probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}

	var u userResponse
	if err := json.Unmarshal(body, &u); err != nil {
		return false
	}
	lossless := u.Credential.Parameters.LosslessStreaming
	return lossless != nil && *lossless
}

// GetAlbum fetches album metadata with its track listing, via the album
// cache when one is configured.
func (c *Client) GetAlbum(ctx context.Context, albumID string) (*Album, error) {
	if albumID == "" {
		return nil, apperrors.ValidationError("album_id is required")
	}

	key := albumCacheKey + albumID
	if c.cache != nil {
		if cached, ok := c.cache.Get(ctx, key); ok {
			var album Album
			if err := json.Unmarshal([]byte(cached), &album); err == nil {
				return &album, nil
			}
		}
	}

	params := url.Values{}
	params.Set("album_id", albumID)
	params.Set("extra", "track_ids")

	var album Album
	if err := c.get(ctx, "album/get", params, &album); err != nil {
		return nil, err
	}

	if c.cache != nil {
		if data, err := json.Marshal(&album); err == nil {
			if err := c.cache.Set(ctx, key, string(data), c.cacheTTL); err != nil {
				c.log.Warn(ctx, "failed to cache album", map[string]interface{}{"album_id": albumID, "error": err.Error()})
			}
		}
	}
	return &album, nil
}

// Page is the paging envelope shared by list responses.
type Page[T any] struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
	Items  []T `json:"items"`
}

// SearchResults groups a catalog search response.
type SearchResults struct {
	Query   string       `json:"query"`
	Albums  Page[Album]  `json:"albums"`
	Tracks  Page[Track]  `json:"tracks"`
	Artists Page[Artist] `json:"artists"`
}

// Search runs a free-text catalog search.
func (c *Client) Search(ctx context.Context, query string, limit, offset int) (*SearchResults, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.ValidationError("q is required")
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", strconv.Itoa(pageLimit(limit)))
	params.Set("offset", strconv.Itoa(max(offset, 0)))

	var results SearchResults
	if err := c.get(ctx, "catalog/search", params, &results); err != nil {
		return nil, err
	}
	return &results, nil
}

// ReleasesPage is a page of an artist's releases.
type ReleasesPage struct {
	HasMore bool    `json:"has_more"`
	Items   []Album `json:"items"`
}

// releaseItem is the raw shape of artist/getReleasesList entries, which
// nest audio and date information differently from album/get.
type releaseItem struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Version string `json:"version"`
	Image   Image  `json:"image"`
	Artist  struct {
		ID   int64 `json:"id"`
		Name struct {
			Display string `json:"display"`
		} `json:"name"`
	} `json:"artist"`
	Artists   []AlbumArtist `json:"artists"`
	AudioInfo struct {
		MaximumBitDepth     int     `json:"maximum_bit_depth"`
		MaximumSamplingRate float64 `json:"maximum_sampling_rate"`
	} `json:"audio_info"`
	Dates struct {
		Original string `json:"original"`
	} `json:"dates"`
	Rights struct {
		Streamable bool `json:"streamable"`
	} `json:"rights"`
	Label           Label `json:"label"`
	Genre           Genre `json:"genre"`
	TracksCount     int   `json:"tracks_count"`
	Duration        int   `json:"duration"`
	ParentalWarning bool  `json:"parental_warning"`
}

func (r releaseItem) toAlbum() Album {
	return Album{
		ID:                  r.ID,
		Title:               r.Title,
		Version:             r.Version,
		Image:               r.Image,
		Artist:              Artist{ID: r.Artist.ID, Name: r.Artist.Name.Display},
		Artists:             r.Artists,
		ReleaseDateOriginal: r.Dates.Original,
		Label:               r.Label,
		Genre:               r.Genre,
		TracksCount:         r.TracksCount,
		Duration:            r.Duration,
		MaximumBitDepth:     r.AudioInfo.MaximumBitDepth,
		MaximumSamplingRate: r.AudioInfo.MaximumSamplingRate,
		Hires:               r.AudioInfo.MaximumBitDepth > 16,
		Streamable:          r.Rights.Streamable,
		ParentalWarning:     r.ParentalWarning,
	}
}

// GetArtistReleases lists an artist's releases, newest first.
func (c *Client) GetArtistReleases(ctx context.Context, artistID, releaseType string, limit, offset int) (*ReleasesPage, error) {
	if artistID == "" {
		return nil, apperrors.ValidationError("artist_id is required")
	}
	if releaseType == "" {
		releaseType = "album"
	}

	params := url.Values{}
	params.Set("artist_id", artistID)
	params.Set("release_type", releaseType)
	params.Set("limit", strconv.Itoa(pageLimit(limit)))
	params.Set("offset", strconv.Itoa(max(offset, 0)))
	params.Set("track_size", "1000")
	params.Set("sort", "release_date")

	var raw struct {
		HasMore bool          `json:"has_more"`
		Items   []releaseItem `json:"items"`
	}
	if err := c.get(ctx, "artist/getReleasesList", params, &raw); err != nil {
		return nil, err
	}

	page := &ReleasesPage{HasMore: raw.HasMore, Items: make([]Album, 0, len(raw.Items))}
	for _, item := range raw.Items {
		page.Items = append(page.Items, item.toAlbum())
	}
	return page, nil
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return defaultPerPage
	}
	if limit > 500 {
		return 500
	}
	return limit
}
