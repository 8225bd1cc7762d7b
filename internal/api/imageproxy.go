package api

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/qobuzdl/server/internal/logger"
)

// DefaultImageHost is the only host artwork is proxied from.
const DefaultImageHost = "static.qobuz.com"

const (
	imageCacheControl = "public, max-age=604800, immutable"
	maxImageBytes     = 20 << 20
)

// ImageProxy relays catalog artwork so browsers load it from this origin.
type ImageProxy struct {
	client      *http.Client
	allowedHost string
	log         *logger.Logger
}

// NewImageProxy creates an image proxy. An empty host means DefaultImageHost.
func NewImageProxy(client *http.Client, allowedHost string, log *logger.Logger) *ImageProxy {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if allowedHost == "" {
		allowedHost = DefaultImageHost
	}
	if log == nil {
		log = logger.Default().WithComponent("http")
	}

	// Copy so the shared catalog client keeps its redirect policy.
	c := *client
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if req.URL.Hostname() != allowedHost {
			return fmt.Errorf("redirect to %s not allowed", req.URL.Hostname())
		}
		if len(via) >= 10 {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		return nil
	}
	return &ImageProxy{client: &c, allowedHost: allowedHost, log: log}
}

// ServeHTTP handles GET /api/image-proxy?url=
func (p *ImageProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		http.Error(w, "URL parameter is missing", http.StatusBadRequest)
		return
	}

	target, err := url.Parse(raw)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		http.Error(w, "Invalid URL format", http.StatusBadRequest)
		return
	}
	if target.Hostname() != p.allowedHost {
		http.Error(w, "Hostname not allowed", http.StatusForbidden)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		http.Error(w, "Invalid URL format", http.StatusBadRequest)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn(r.Context(), "image fetch failed", map[string]interface{}{"url": raw, "error": err.Error()})
		http.Error(w, "Failed to fetch image", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.log.Warn(r.Context(), "image upstream returned an error", map[string]interface{}{"url": raw, "status": resp.StatusCode})
		http.Error(w, "Failed to fetch image", http.StatusBadGateway)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", imageCacheControl)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, io.LimitReader(resp.Body, maxImageBytes))
}
