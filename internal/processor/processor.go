package processor

import (
	"context"
	"fmt"

	"github.com/qobuzdl/server/internal/acquisition"
	"github.com/qobuzdl/server/internal/catalog"
	apperrors "github.com/qobuzdl/server/internal/errors"
	"github.com/qobuzdl/server/internal/logger"
)

// AlbumSource fetches full album metadata including the track listing.
type AlbumSource interface {
	GetAlbum(ctx context.Context, albumID string) (*catalog.Album, error)
}

// Acquirer stores a single track.
type Acquirer interface {
	AcquireAndStore(ctx context.Context, track *catalog.Track, album *catalog.Album) (*acquisition.Result, error)
}

// Processor expands a queued catalog item into tracks and runs each
// through acquisition, in catalog order.
type Processor struct {
	albums   AlbumSource
	acquirer Acquirer
	log      *logger.Logger
}

// ProcessorConfig holds configuration for the processor
type ProcessorConfig struct {
	Albums   AlbumSource
	Acquirer Acquirer
	Logger   *logger.Logger
}

// New creates a new Processor instance
func New(config *ProcessorConfig) *Processor {
	log := config.Logger
	if log == nil {
		log = logger.Default().WithComponent("processor")
	}
	return &Processor{
		albums:   config.Albums,
		acquirer: config.Acquirer,
		log:      log,
	}
}

// Progress is reported after every track of a job.
type Progress struct {
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Current string `json:"current,omitempty"`
}

// Percent is the share of tracks handled so far.
func (p Progress) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return p.Done * 100 / p.Total
}

// Summary counts what happened to a job's tracks.
type Summary struct {
	Total   int      `json:"total"`
	Stored  int      `json:"stored"`
	Skipped int      `json:"skipped"`
	Files   []string `json:"files,omitempty"`
}

// Process handles one queued item. Album jobs stop at the first failing
// track; tracks already stored stay in the library and later tracks are
// not attempted.
func (p *Processor) Process(ctx context.Context, item catalog.Item, progress func(Progress)) (*Summary, error) {
	if progress == nil {
		progress = func(Progress) {}
	}

	switch item.Kind {
	case catalog.KindTrack:
		return p.processTrack(ctx, item.Track, progress)
	case catalog.KindAlbum:
		return p.processAlbum(ctx, item.Album, progress)
	default:
		return nil, apperrors.UnsupportedKind(string(item.Kind))
	}
}

func (p *Processor) processTrack(ctx context.Context, track *catalog.Track, progress func(Progress)) (*Summary, error) {
	if track == nil || track.Album == nil || track.Album.ID == "" {
		return nil, apperrors.ValidationError("track item has no album reference")
	}

	// The full album is needed for shared tags and the track total.
	album, err := p.albums.GetAlbum(ctx, track.Album.ID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Total: 1}
	progress(Progress{Done: 0, Total: 1, Current: track.DisplayTitle()})

	result, err := p.acquirer.AcquireAndStore(ctx, track, album)
	if err != nil {
		return summary, err
	}
	summary.Stored = 1
	summary.Files = append(summary.Files, result.RelPath)
	progress(Progress{Done: 1, Total: 1})
	return summary, nil
}

func (p *Processor) processAlbum(ctx context.Context, ref *catalog.Album, progress func(Progress)) (*Summary, error) {
	if ref == nil || ref.ID == "" {
		return nil, apperrors.ValidationError("album item has no id")
	}

	album, err := p.albums.GetAlbum(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	tracks := album.TrackItems()
	if len(tracks) == 0 {
		return nil, apperrors.CatalogError(fmt.Sprintf("could not retrieve track list for album: %s", album.DisplayTitle()))
	}

	log := p.log.With(map[string]interface{}{"album_id": album.ID})
	summary := &Summary{Total: len(tracks)}
	for i := range tracks {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		track := tracks[i]
		progress(Progress{Done: i, Total: len(tracks), Current: track.DisplayTitle()})

		if !track.Streamable {
			summary.Skipped++
			log.Info(ctx, "skipping non-streamable track", map[string]interface{}{
				"track_id": track.ID,
				"title":    track.DisplayTitle(),
			})
			continue
		}

		track.Album = album
		result, err := p.acquirer.AcquireAndStore(ctx, &track, album)
		if err != nil {
			return summary, fmt.Errorf("track %d %q: %w", track.TrackNumber, track.DisplayTitle(), err)
		}
		summary.Stored++
		summary.Files = append(summary.Files, result.RelPath)
	}

	progress(Progress{Done: len(tracks), Total: len(tracks)})
	return summary, nil
}
