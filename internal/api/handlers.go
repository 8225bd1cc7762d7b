package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/qobuzdl/server/internal/catalog"
	"github.com/qobuzdl/server/internal/download"
	apperrors "github.com/qobuzdl/server/internal/errors"
	"github.com/qobuzdl/server/internal/logger"
)

// JobQueue is the part of the download queue the API drives.
type JobQueue interface {
	Enqueue(ctx context.Context, item catalog.Item) (*download.Job, error)
	Status() download.Snapshot
}

// Catalog is the pass-through browsing surface.
type Catalog interface {
	Search(ctx context.Context, query string, limit, offset int) (*catalog.SearchResults, error)
	GetAlbum(ctx context.Context, albumID string) (*catalog.Album, error)
	GetArtistReleases(ctx context.Context, artistID, releaseType string, limit, offset int) (*catalog.ReleasesPage, error)
}

// Handlers serves the queue and catalog endpoints.
type Handlers struct {
	queue   JobQueue
	catalog Catalog
	log     *logger.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(queue JobQueue, cat Catalog, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.Default().WithComponent("http")
	}
	return &Handlers{queue: queue, catalog: cat, log: log}
}

// DownloadRequest is the body of POST /api/server-download.
type DownloadRequest struct {
	Item json.RawMessage `json:"item"`
}

// DownloadResponse reports the outcome of an enqueue.
type DownloadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"jobId,omitempty"`
}

// DataResponse wraps pass-through catalog payloads.
type DataResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

const artistRejection = "Cannot download an artist directly. Please download their albums individually."

// ServerDownload handles POST /api/server-download
func (h *Handlers) ServerDownload(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())
	reject := func(status int, msg string) {
		apperrors.WriteJSON(w, requestID, status, DownloadResponse{Success: false, Message: msg})
	}

	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reject(http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Item) == 0 || string(req.Item) == "null" {
		reject(http.StatusBadRequest, "item is required")
		return
	}

	var item catalog.Item
	if err := json.Unmarshal(req.Item, &item); err != nil {
		reject(http.StatusBadRequest, err.Error())
		return
	}
	if item.Kind == catalog.KindArtist {
		reject(http.StatusBadRequest, artistRejection)
		return
	}

	job, err := h.queue.Enqueue(r.Context(), item)
	switch {
	case errors.Is(err, download.ErrDuplicateJob):
		apperrors.WriteJSON(w, requestID, http.StatusOK, DownloadResponse{
			Success: true,
			Message: fmt.Sprintf("'%s' is already queued.", job.Title),
			JobID:   job.ID,
		})
	case errors.Is(err, download.ErrQueueClosed):
		reject(http.StatusServiceUnavailable, "server is shutting down")
	case err != nil:
		if appErr, ok := apperrors.As(err); ok && appErr.HTTPStatus < 500 {
			reject(appErr.HTTPStatus, appErr.Message)
			return
		}
		h.log.Error(r.Context(), "enqueue failed", err)
		reject(http.StatusInternalServerError, "An error occurred.")
	default:
		apperrors.WriteJSON(w, requestID, http.StatusOK, DownloadResponse{
			Success: true,
			Message: fmt.Sprintf("Queued '%s' for download.", job.Title),
			JobID:   job.ID,
		})
	}
}

// QueueStatus handles GET /api/queue-status
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, h.queue.Status())
}

// Search handles GET /api/search?q=&limit=&offset=
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) error {
	limit, offset, err := paging(r)
	if err != nil {
		return err
	}
	results, err := h.catalog.Search(r.Context(), r.URL.Query().Get("q"), limit, offset)
	if err != nil {
		return err
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, DataResponse{Success: true, Data: results})
	return nil
}

// GetAlbum handles GET /api/get-album?album_id=
func (h *Handlers) GetAlbum(w http.ResponseWriter, r *http.Request) error {
	albumID := r.URL.Query().Get("album_id")
	if albumID == "" {
		return apperrors.ValidationError("album_id is required")
	}
	album, err := h.catalog.GetAlbum(r.Context(), albumID)
	if err != nil {
		return err
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, DataResponse{Success: true, Data: album})
	return nil
}

// GetArtistReleases handles GET /api/get-artist-releases
func (h *Handlers) GetArtistReleases(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	artistID := q.Get("artist_id")
	if artistID == "" {
		return apperrors.ValidationError("artist_id is required")
	}
	limit, offset, err := paging(r)
	if err != nil {
		return err
	}
	page, err := h.catalog.GetArtistReleases(r.Context(), artistID, q.Get("release_type"), limit, offset)
	if err != nil {
		return err
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, DataResponse{Success: true, Data: page})
	return nil
}

// paging reads optional non-negative limit and offset parameters.
func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.ValidationError(fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}
