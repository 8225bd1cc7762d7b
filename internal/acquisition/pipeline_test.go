package acquisition

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qobuzdl/server/internal/catalog"
	apperrors "github.com/qobuzdl/server/internal/errors"
	"github.com/qobuzdl/server/internal/library"
	"github.com/qobuzdl/server/internal/logger"
	"github.com/qobuzdl/server/internal/storage"
	"github.com/qobuzdl/server/internal/transcoder"
)

var jpegBytes = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00cover")

type fakeResolver struct {
	url string
	err error
}

func (f *fakeResolver) ResolveMediaLocation(ctx context.Context, trackID int64, format catalog.FormatID) (*catalog.FileURL, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &catalog.FileURL{TrackID: trackID, URL: f.url, FormatID: int(format), Duration: 200}, nil
}

// fakeTranscoder copies the input to the output and records each request.
type fakeTranscoder struct {
	mu       sync.Mutex
	requests []transcoder.Request
	err      error
}

func (f *fakeTranscoder) Transcode(ctx context.Context, req transcoder.Request) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	data, err := os.ReadFile(req.Input)
	if err != nil {
		return err
	}
	return os.WriteFile(req.Output, append(data, []byte("+tags")...), 0o644)
}

type memBackend struct {
	mu   sync.Mutex
	keys []string
}

func (m *memBackend) Name() string { return "mem" }
func (m *memBackend) StatSize(ctx context.Context, key string) (int64, bool, error) {
	return 0, false, nil
}
func (m *memBackend) Put(ctx context.Context, key, localPath string, size int64, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return nil
}
func (m *memBackend) Ping(ctx context.Context) error { return nil }

type fixture struct {
	pipeline   *Pipeline
	transcoder *fakeTranscoder
	resolver   *fakeResolver
	lib        *library.Library
	workRoot   string
	server     *httptest.Server
}

func newFixture(t *testing.T, cover []byte, mirror *storage.Mirror) *fixture {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/media/track.flac", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fLaC-payload"))
	})
	mux.HandleFunc("/media/missing.flac", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	var flaky int32
	mux.HandleFunc("/media/flaky.flac", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&flaky, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("fLaC-payload"))
	})
	mux.HandleFunc("/img/cover_org.jpg", func(w http.ResponseWriter, r *http.Request) {
		if cover == nil {
			http.NotFound(w, r)
			return
		}
		w.Write(cover)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	lib, err := library.New(t.TempDir(), logger.Discard())
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		transcoder: &fakeTranscoder{},
		resolver:   &fakeResolver{url: server.URL + "/media/track.flac"},
		lib:        lib,
		workRoot:   t.TempDir(),
		server:     server,
	}
	f.pipeline = New(&Config{
		Resolver:   f.resolver,
		Transcoder: f.transcoder,
		Library:    lib,
		Mirror:     mirror,
		HTTPClient: server.Client(),
		TempDir:    f.workRoot,
		Retry:      &apperrors.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, BackoffFactor: 1},
		Logger:     logger.Discard(),
	})
	return f
}

func (f *fixture) album() *catalog.Album {
	return &catalog.Album{
		ID:                  "a1",
		Title:               "Kind of Blue",
		Artists:             []catalog.AlbumArtist{{Name: "Miles Davis"}},
		ReleaseDateOriginal: "1959-08-17",
		Image:               catalog.Image{Large: f.server.URL + "/img/cover_600.jpg"},
		Genre:               catalog.Genre{Name: "Jazz"},
		Label:               catalog.Label{Name: "Columbia"},
		UPC:                 "0886974",
		TracksCount:         5,
	}
}

func track(n int, title string) *catalog.Track {
	return &catalog.Track{
		ID:              int64(100 + n),
		Title:           title,
		TrackNumber:     n,
		MediaNumber:     1,
		MaximumBitDepth: 16,
		Streamable:      true,
	}
}

func assertWorkCleaned(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("working area not cleaned: %d entries left", len(entries))
	}
}

func TestAcquireAndStore_PlacesTrackAndCover(t *testing.T) {
	f := newFixture(t, jpegBytes, nil)

	result, err := f.pipeline.AcquireAndStore(context.Background(), track(1, "So What"), f.album())
	if err != nil {
		t.Fatalf("AcquireAndStore() error = %v", err)
	}

	wantRel := "Miles Davis - Kind of Blue [1959]/01. So What.flac"
	if result.RelPath != wantRel {
		t.Errorf("RelPath = %q, want %q", result.RelPath, wantRel)
	}
	if result.Format != catalog.FormatCD {
		t.Errorf("Format = %d, want %d", result.Format, catalog.FormatCD)
	}
	if !result.CoverWritten {
		t.Error("expected cover to be written")
	}

	data, err := os.ReadFile(result.Path)
	if err != nil || string(data) != "fLaC-payload+tags" {
		t.Errorf("placed file = %q, %v", data, err)
	}

	cover, err := os.ReadFile(filepath.Join(filepath.Dir(result.Path), library.CoverFileName))
	if err != nil || string(cover) != string(jpegBytes) {
		t.Errorf("cover = %q, %v", cover, err)
	}

	req := f.transcoder.requests[0]
	if req.Cover == "" {
		t.Error("transcoder should receive the artwork")
	}
	if req.Tags.Album != "Kind of Blue" || req.Tags.Label != "Columbia" || req.Tags.TrackTotal != 5 {
		t.Errorf("unexpected tags %+v", req.Tags)
	}

	assertWorkCleaned(t, f.workRoot)
}

func TestAcquireAndStore_CoverWrittenOnce(t *testing.T) {
	f := newFixture(t, jpegBytes, nil)
	album := f.album()
	ctx := context.Background()

	first, err := f.pipeline.AcquireAndStore(ctx, track(1, "So What"), album)
	if err != nil {
		t.Fatal(err)
	}

	coverPath := filepath.Join(filepath.Dir(first.Path), library.CoverFileName)
	if err := os.WriteFile(coverPath, []byte("user-edited"), 0o644); err != nil {
		t.Fatal(err)
	}

	second, err := f.pipeline.AcquireAndStore(ctx, track(2, "Freddie Freeloader"), album)
	if err != nil {
		t.Fatal(err)
	}
	if second.CoverWritten {
		t.Error("second track should not rewrite the cover")
	}
	if data, _ := os.ReadFile(coverPath); string(data) != "user-edited" {
		t.Errorf("cover was overwritten: %q", data)
	}
}

func TestAcquireAndStore_NonImageArtworkSkipped(t *testing.T) {
	f := newFixture(t, []byte("<html>not found</html>"), nil)

	result, err := f.pipeline.AcquireAndStore(context.Background(), track(1, "So What"), f.album())
	if err != nil {
		t.Fatalf("AcquireAndStore() error = %v", err)
	}
	if result.CoverWritten {
		t.Error("non-image artwork should not be written")
	}
	if f.transcoder.requests[0].Cover != "" {
		t.Error("transcoder should not receive non-image artwork")
	}
}

func TestAcquireAndStore_MissingArtworkSkipped(t *testing.T) {
	f := newFixture(t, nil, nil)

	if _, err := f.pipeline.AcquireAndStore(context.Background(), track(1, "So What"), f.album()); err != nil {
		t.Fatalf("AcquireAndStore() error = %v", err)
	}
}

func TestAcquireAndStore_TranscodeFailure(t *testing.T) {
	f := newFixture(t, jpegBytes, nil)
	f.transcoder.err = apperrors.TranscodeFailure(1, "Invalid data found")

	_, err := f.pipeline.AcquireAndStore(context.Background(), track(1, "So What"), f.album())
	if !apperrors.HasCode(err, apperrors.CodeTranscodeFailure) {
		t.Fatalf("error = %v, want TRANSCODE_FAILURE", err)
	}

	entries, _ := os.ReadDir(f.lib.Root())
	for _, e := range entries {
		if e.IsDir() {
			t.Errorf("no album directory should be created, found %s", e.Name())
		}
	}
	assertWorkCleaned(t, f.workRoot)
}

func TestAcquireAndStore_DownloadFailure(t *testing.T) {
	f := newFixture(t, jpegBytes, nil)
	f.resolver.url = f.server.URL + "/media/missing.flac"

	_, err := f.pipeline.AcquireAndStore(context.Background(), track(1, "So What"), f.album())
	if !apperrors.HasCode(err, apperrors.CodeDownloadError) {
		t.Fatalf("error = %v, want DOWNLOAD_ERROR", err)
	}
	if len(f.transcoder.requests) != 0 {
		t.Error("transcoder should not run")
	}
}

func TestAcquireAndStore_RetriesTransientFetch(t *testing.T) {
	f := newFixture(t, jpegBytes, nil)
	f.resolver.url = f.server.URL + "/media/flaky.flac"

	result, err := f.pipeline.AcquireAndStore(context.Background(), track(1, "So What"), f.album())
	if err != nil {
		t.Fatalf("AcquireAndStore() error = %v", err)
	}
	if data, _ := os.ReadFile(result.Path); string(data) != "fLaC-payload+tags" {
		t.Errorf("placed file = %q", data)
	}
}

func TestAcquireAndStore_ResolverErrorPropagates(t *testing.T) {
	f := newFixture(t, jpegBytes, nil)
	f.resolver.err = apperrors.EntitlementExhausted()

	_, err := f.pipeline.AcquireAndStore(context.Background(), track(1, "So What"), f.album())
	if !apperrors.HasCode(err, apperrors.CodeEntitlementExhausted) {
		t.Fatalf("error = %v, want ENTITLEMENT_EXHAUSTED", err)
	}
}

func TestAcquireAndStore_Mirrors(t *testing.T) {
	backend := &memBackend{}
	mirror := storage.NewMirror(backend, &apperrors.RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond}, logger.Discard())
	f := newFixture(t, jpegBytes, mirror)

	if _, err := f.pipeline.AcquireAndStore(context.Background(), track(1, "So What"), f.album()); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"Miles Davis - Kind of Blue [1959]/01. So What.flac",
		"Miles Davis - Kind of Blue [1959]/cover.jpg",
	}
	if len(backend.keys) != len(want) {
		t.Fatalf("mirrored keys = %v, want %v", backend.keys, want)
	}
	for i := range want {
		if backend.keys[i] != want[i] {
			t.Errorf("key[%d] = %q, want %q", i, backend.keys[i], want[i])
		}
	}
}

func TestTagsFor(t *testing.T) {
	album := &catalog.Album{
		Title:      "Blue Train",
		Version:    "Remastered",
		Artist:     catalog.Artist{Name: "John Coltrane"},
		MediaCount: 2,
		Tracks: &catalog.TrackPage{Items: []catalog.Track{
			{ID: 1}, {ID: 2}, {ID: 3},
		}},
	}
	tr := &catalog.Track{
		Title:       "Moment's Notice",
		TrackNumber: 2,
		MediaNumber: 1,
		ISRC:        "USBN20000001",
		Performer:   &catalog.Performer{Name: "John Coltrane Quintet"},
	}

	tags := TagsFor(tr, album)
	if tags.Album != "Blue Train (Remastered)" {
		t.Errorf("Album = %q", tags.Album)
	}
	if tags.Artist != "John Coltrane Quintet" || tags.AlbumArtist != "John Coltrane" {
		t.Errorf("Artist = %q, AlbumArtist = %q", tags.Artist, tags.AlbumArtist)
	}
	if tags.TrackTotal != 3 || tags.DiscTotal != 2 {
		t.Errorf("TrackTotal = %d, DiscTotal = %d", tags.TrackTotal, tags.DiscTotal)
	}
}
