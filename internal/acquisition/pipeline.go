package acquisition

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/qobuzdl/server/internal/catalog"
	apperrors "github.com/qobuzdl/server/internal/errors"
	"github.com/qobuzdl/server/internal/library"
	"github.com/qobuzdl/server/internal/logger"
	"github.com/qobuzdl/server/internal/metrics"
	"github.com/qobuzdl/server/internal/storage"
	"github.com/qobuzdl/server/internal/transcoder"
)

const (
	inputFileName  = "input.flac"
	coverFileName  = "cover.jpg"
	outputFileName = "output.flac"
	artistSep      = "; "
)

// MediaResolver resolves where a track's audio can be fetched from.
type MediaResolver interface {
	ResolveMediaLocation(ctx context.Context, trackID int64, format catalog.FormatID) (*catalog.FileURL, error)
}

// Transcoder turns the fetched payload into a tagged FLAC file.
type Transcoder interface {
	Transcode(ctx context.Context, req transcoder.Request) error
}

// Config wires the pipeline's collaborators. Mirror is optional.
type Config struct {
	Resolver   MediaResolver
	Transcoder Transcoder
	Library    *library.Library
	Mirror     *storage.Mirror
	HTTPClient *http.Client
	// TempDir is where per-track working directories are created; empty
	// means the OS default.
	TempDir string
	// Retry governs media and artwork fetches; nil means
	// apperrors.MediaRetryConfig.
	Retry   *apperrors.RetryConfig
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// Pipeline acquires single tracks into the library.
type Pipeline struct {
	resolver   MediaResolver
	transcoder Transcoder
	library    *library.Library
	mirror     *storage.Mirror
	http       *http.Client
	tempDir    string
	retry      *apperrors.RetryConfig
	log        *logger.Logger
	metrics    *metrics.Metrics
}

// New creates a pipeline.
func New(cfg *Config) *Pipeline {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default().WithComponent("acquisition")
	}
	retry := apperrors.MediaRetryConfig()
	if cfg.Retry != nil {
		retry = cfg.Retry
	}
	return &Pipeline{
		retry:      retry,
		resolver:   cfg.Resolver,
		transcoder: cfg.Transcoder,
		library:    cfg.Library,
		mirror:     cfg.Mirror,
		http:       httpClient,
		tempDir:    cfg.TempDir,
		log:        log,
		metrics:    cfg.Metrics,
	}
}

// Result describes a track placed in the library.
type Result struct {
	Path         string           `json:"path"`
	RelPath      string           `json:"relPath"`
	Format       catalog.FormatID `json:"format"`
	Size         int64            `json:"size"`
	CoverWritten bool             `json:"coverWritten"`
}

// AcquireAndStore fetches one track, converts and tags it, and moves it into
// the album's library directory. The album supplies the shared tags and
// artwork; its track listing only feeds the track total.
func (p *Pipeline) AcquireAndStore(ctx context.Context, track *catalog.Track, album *catalog.Album) (*Result, error) {
	if track == nil || album == nil {
		return nil, apperrors.InternalError("track and album are required")
	}

	format := catalog.SelectFormat(track)
	location, err := p.resolver.ResolveMediaLocation(ctx, track.ID, format)
	if err != nil {
		return nil, err
	}

	payload, err := p.fetch(ctx, location.URL)
	if err != nil {
		return nil, apperrors.DownloadError(fmt.Sprintf("failed to download track %d", track.ID)).WithCause(err)
	}

	work, err := os.MkdirTemp(p.tempDir, "qobuzdl-")
	if err != nil {
		return nil, apperrors.StorageError("failed to create working directory").WithCause(err)
	}
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			p.log.Warn(ctx, "failed to remove working directory", map[string]interface{}{"dir": work, "error": err.Error()})
		}
	}()

	input := filepath.Join(work, inputFileName)
	if err := os.WriteFile(input, payload, 0o644); err != nil {
		return nil, apperrors.StorageError("failed to write track payload").WithCause(err)
	}

	coverData := p.fetchArtwork(ctx, album)
	coverPath := ""
	if coverData != nil {
		coverPath = filepath.Join(work, coverFileName)
		if err := os.WriteFile(coverPath, coverData, 0o644); err != nil {
			return nil, apperrors.StorageError("failed to write artwork").WithCause(err)
		}
	}

	output := filepath.Join(work, outputFileName)
	err = p.transcoder.Transcode(ctx, transcoder.Request{
		Input:  input,
		Cover:  coverPath,
		Output: output,
		Tags:   TagsFor(track, album),
	})
	if err != nil {
		return nil, err
	}

	dirName := library.AlbumDirName(album.ArtistNames(artistSep), album.DisplayTitle(), album.ReleaseYear())
	dir, err := p.library.EnsureAlbumDir(dirName)
	if err != nil {
		return nil, err
	}

	coverWritten := false
	if coverData != nil {
		if coverWritten, err = p.library.WriteCoverOnce(dir, coverData); err != nil {
			return nil, err
		}
	}

	dest, err := p.library.PlaceFile(output, dir, library.TrackFileName(track.TrackNumber, track.DisplayTitle()))
	if err != nil {
		return nil, err
	}

	result := &Result{
		Path:         dest,
		RelPath:      p.library.RelPath(dest),
		Format:       format,
		CoverWritten: coverWritten,
	}
	if info, err := os.Stat(dest); err == nil {
		result.Size = info.Size()
	}

	p.log.Info(ctx, "track stored", map[string]interface{}{
		"track_id": track.ID,
		"path":     result.RelPath,
		"format":   int(format),
		"size":     humanize.Bytes(uint64(result.Size)),
		"fetched":  humanize.Bytes(uint64(len(payload))),
	})

	if p.metrics != nil {
		p.metrics.RecordTrackStored(result.Size)
	}

	p.mirrorFiles(ctx, result, dir)
	return result, nil
}

// fetch downloads url fully into memory, retrying transient failures.
func (p *Pipeline) fetch(ctx context.Context, url string) ([]byte, error) {
	retry := *p.retry
	retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
		p.log.Warn(ctx, "retrying media fetch", map[string]interface{}{
			"attempt": attempt,
			"backoff": backoff.String(),
			"error":   err.Error(),
		})
	}

	var body []byte
	err := apperrors.Retry(ctx, &retry, func(ctx context.Context) error {
		var err error
		body, err = p.fetchOnce(ctx, url)
		return err
	})
	return body, err
}

func (p *Pipeline) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apperrors.StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}

// fetchArtwork returns the original-resolution album cover, or nil when the
// album has none or it cannot be fetched. Artwork problems never fail a track.
func (p *Pipeline) fetchArtwork(ctx context.Context, album *catalog.Album) []byte {
	url := album.FullResImageURL()
	if url == "" {
		return nil
	}

	data, err := p.fetch(ctx, url)
	if err != nil {
		p.log.Warn(ctx, "could not fetch album art", map[string]interface{}{"url": url, "error": err.Error()})
		return nil
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		p.log.Warn(ctx, "album art is not an image", map[string]interface{}{"url": url, "mime": mt.String()})
		return nil
	}
	return data
}

// mirrorFiles uploads the placed track, and a newly written cover, to the
// object-storage mirror. Failures are logged only.
func (p *Pipeline) mirrorFiles(ctx context.Context, result *Result, dir string) {
	if p.mirror == nil {
		return
	}

	files := []string{result.Path}
	if result.CoverWritten {
		files = append(files, filepath.Join(dir, library.CoverFileName))
	}

	for _, path := range files {
		key := storage.ObjectKey(p.library.RelPath(path))
		if _, err := p.mirror.Upload(ctx, key, path); err != nil {
			p.log.Error(ctx, "failed to mirror file", err, map[string]interface{}{"key": key})
		}
	}
}

// TagsFor maps catalog metadata onto the embedded tags.
func TagsFor(track *catalog.Track, album *catalog.Album) transcoder.Tags {
	trackTotal := len(album.TrackItems())
	if trackTotal == 0 {
		trackTotal = album.TracksCount
	}
	discTotal := album.MediaCount
	if discTotal == 0 {
		discTotal = 1
	}

	return transcoder.Tags{
		Title:       track.DisplayTitle(),
		Artist:      track.ArtistName(album, artistSep),
		AlbumArtist: album.ArtistNames(artistSep),
		Album:       album.DisplayTitle(),
		Genre:       album.Genre.Name,
		Date:        album.ReleaseDateOriginal,
		TrackNumber: track.TrackNumber,
		TrackTotal:  trackTotal,
		DiscNumber:  track.MediaNumber,
		DiscTotal:   discTotal,
		Copyright:   track.Copyright,
		ISRC:        track.ISRC,
		Label:       album.Label.Name,
		UPC:         album.UPC,
	}
}
