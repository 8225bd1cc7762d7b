package catalog

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Image holds the artwork variants the catalog publishes for an album.
type Image struct {
	Small     string  `json:"small,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	Large     string  `json:"large,omitempty"`
	Back      *string `json:"back,omitempty"`
}

// Performer is the main credited artist of a track.
type Performer struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// AlbumArtist is one entry of an album's artist credits.
type AlbumArtist struct {
	ID    int64    `json:"id"`
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
}

// ArtistImage holds artist portrait variants.
type ArtistImage struct {
	Small      string `json:"small,omitempty"`
	Medium     string `json:"medium,omitempty"`
	Large      string `json:"large,omitempty"`
	ExtraLarge string `json:"extralarge,omitempty"`
	Mega       string `json:"mega,omitempty"`
}

// Artist represents a catalog artist
type Artist struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	AlbumsCount int          `json:"albums_count"`
	Image       *ArtistImage `json:"image,omitempty"`
}

type Genre struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Color string  `json:"color,omitempty"`
	Path  []int64 `json:"path,omitempty"`
}

type Label struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	AlbumsCount int    `json:"albums_count,omitempty"`
}

// Track represents a catalog track. Album is only set when the track was
// fetched on its own (search results); album listings leave it nil.
type Track struct {
	ID                  int64      `json:"id"`
	Title               string     `json:"title"`
	Version             string     `json:"version,omitempty"`
	ISRC                string     `json:"isrc,omitempty"`
	Copyright           string     `json:"copyright,omitempty"`
	MaximumBitDepth     int        `json:"maximum_bit_depth"`
	MaximumSamplingRate float64    `json:"maximum_sampling_rate"`
	Performer           *Performer `json:"performer,omitempty"`
	Album               *Album     `json:"album,omitempty"`
	TrackNumber         int        `json:"track_number"`
	MediaNumber         int        `json:"media_number"`
	ReleasedAt          int64      `json:"released_at,omitempty"`
	Duration            int        `json:"duration"`
	ParentalWarning     bool       `json:"parental_warning"`
	Hires               bool       `json:"hires"`
	Streamable          bool       `json:"streamable"`
}

// TrackPage is a page of an album's track listing.
type TrackPage struct {
	Offset int     `json:"offset"`
	Limit  int     `json:"limit"`
	Total  int     `json:"total"`
	Items  []Track `json:"items"`
}

// Album represents a catalog album. Tracks is populated by album/get only.
type Album struct {
	ID                  string        `json:"id"`
	QobuzID             int64         `json:"qobuz_id,omitempty"`
	Title               string        `json:"title"`
	Version             string        `json:"version,omitempty"`
	Image               Image         `json:"image"`
	Artist              Artist        `json:"artist"`
	Artists             []AlbumArtist `json:"artists,omitempty"`
	ReleasedAt          int64         `json:"released_at,omitempty"`
	ReleaseDateOriginal string        `json:"release_date_original,omitempty"`
	Label               Label         `json:"label"`
	Genre               Genre         `json:"genre"`
	TracksCount         int           `json:"tracks_count"`
	MediaCount          int           `json:"media_count,omitempty"`
	Duration            int           `json:"duration"`
	MaximumBitDepth     int           `json:"maximum_bit_depth"`
	MaximumSamplingRate float64       `json:"maximum_sampling_rate"`
	UPC                 string        `json:"upc,omitempty"`
	Hires               bool          `json:"hires"`
	Streamable          bool          `json:"streamable"`
	ParentalWarning     bool          `json:"parental_warning"`
	Tracks              *TrackPage    `json:"tracks,omitempty"`
}

// FileURL is the media location returned by track/getFileUrl.
type FileURL struct {
	TrackID      int64         `json:"track_id"`
	Duration     int           `json:"duration"`
	URL          string        `json:"url"`
	FormatID     int           `json:"format_id"`
	MimeType     string        `json:"mime_type"`
	SamplingRate float64       `json:"sampling_rate"`
	BitDepth     int           `json:"bit_depth"`
	Sample       bool          `json:"sample"`
	Restrictions []Restriction `json:"restrictions,omitempty"`
}

type Restriction struct {
	Code string `json:"code"`
}

// PreviewDurationSeconds is the clip length the catalog serves instead of the
// full stream when the credential lacks a streaming entitlement.
const PreviewDurationSeconds = 30

// IsPreview reports whether the catalog downgraded the request to a preview.
func (f *FileURL) IsPreview() bool {
	return f.Sample || f.Duration == PreviewDurationSeconds
}

// FormatTitle appends the version in parentheses when present.
func FormatTitle(title, version string) string {
	if version != "" {
		return strings.TrimSpace(title + " (" + version + ")")
	}
	return strings.TrimSpace(title)
}

// DisplayTitle is the album title with its version suffix.
func (a *Album) DisplayTitle() string {
	return FormatTitle(a.Title, a.Version)
}

// DisplayTitle is the track title with its version suffix.
func (t *Track) DisplayTitle() string {
	return FormatTitle(t.Title, t.Version)
}

// ArtistNames joins the album's credited artists, falling back to the main
// artist and then to "Various Artists".
func (a *Album) ArtistNames(sep string) string {
	if len(a.Artists) > 0 {
		names := make([]string, 0, len(a.Artists))
		for _, artist := range a.Artists {
			names = append(names, artist.Name)
		}
		return strings.Join(names, sep)
	}
	if a.Artist.Name != "" {
		return a.Artist.Name
	}
	return "Various Artists"
}

// ArtistName is the track performer, or the album credit when the track has none.
func (t *Track) ArtistName(album *Album, sep string) string {
	if t.Performer != nil && t.Performer.Name != "" {
		return t.Performer.Name
	}
	if album != nil {
		return album.ArtistNames(sep)
	}
	return "Various Artists"
}

var sizedImageSuffix = regexp.MustCompile(`_\d+\.jpg$`)

// FullResImageURL rewrites the large artwork URL to the original-resolution variant.
func (a *Album) FullResImageURL() string {
	if a.Image.Large == "" {
		return ""
	}
	return sizedImageSuffix.ReplaceAllString(a.Image.Large, "_org.jpg")
}

// ReleaseYear returns the original release year, or 0 when unknown.
func (a *Album) ReleaseYear() int {
	if len(a.ReleaseDateOriginal) >= 4 {
		if year, err := strconv.Atoi(a.ReleaseDateOriginal[:4]); err == nil && year > 0 {
			return year
		}
	}
	if a.ReleasedAt > 0 {
		return time.Unix(a.ReleasedAt, 0).UTC().Year()
	}
	return 0
}

// TrackItems returns the fetched track listing, nil when it was not requested.
func (a *Album) TrackItems() []Track {
	if a.Tracks == nil {
		return nil
	}
	return a.Tracks.Items
}
