package catalog

import (
	"encoding/json"
	"testing"
)

func TestSelectFormat(t *testing.T) {
	tests := []struct {
		name     string
		bitDepth int
		rate     float64
		want     FormatID
	}{
		{"hi-res 192", 24, 192, FormatHiRes192},
		{"hi-res 96.1", 24, 96.1, FormatHiRes192},
		{"hi-res 96", 24, 96, FormatHiRes96},
		{"hi-res 44.1", 24, 44.1, FormatHiRes96},
		{"cd", 16, 44.1, FormatCD},
		{"unknown depth", 0, 0, FormatMP3},
		{"odd depth", 20, 48, FormatMP3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			track := &Track{MaximumBitDepth: tt.bitDepth, MaximumSamplingRate: tt.rate}
			if got := SelectFormat(track); got != tt.want {
				t.Errorf("SelectFormat() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestItem_UnmarshalClassifies(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ItemKind
		id   string
	}{
		{"artist", `{"id":12,"name":"Nina Simone","albums_count":40}`, KindArtist, "12"},
		{"track", `{"id":99,"title":"Sinnerman","album":{"id":"a1","title":"Pastel Blues"}}`, KindTrack, "99"},
		{"album", `{"id":"a1","title":"Pastel Blues","tracks_count":9}`, KindAlbum, "a1"},
		{"track with null album", `{"id":"a2","title":"X","album":null}`, KindAlbum, "a2"},
		{"explicit kind", `{"kind":"track","id":5,"title":"Lonely Track"}`, KindTrack, "5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var item Item
			if err := json.Unmarshal([]byte(tt.raw), &item); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if item.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", item.Kind, tt.want)
			}
			if item.ID() != tt.id {
				t.Errorf("ID() = %s, want %s", item.ID(), tt.id)
			}
		})
	}
}

func TestItem_UnmarshalRejects(t *testing.T) {
	for _, raw := range []string{`[]`, `"album"`, `{"kind":"playlist","id":1}`} {
		var item Item
		if err := json.Unmarshal([]byte(raw), &item); err == nil {
			t.Errorf("Unmarshal(%s) should fail", raw)
		}
	}
}

func TestItem_MarshalKeepsKind(t *testing.T) {
	// A track taken from an album listing has no album relation; the
	// explicit kind must survive the round trip.
	item := TrackItem(&Track{ID: 3, Title: "Blue in Green"})

	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Item
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.Kind != KindTrack || decoded.Track.Title != "Blue in Green" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestItem_Key(t *testing.T) {
	track := TrackItem(&Track{ID: 1})
	album := AlbumItem(&Album{ID: "1"})
	if track.Key() == album.Key() {
		t.Errorf("track and album keys should differ, both %s", track.Key())
	}
}

func TestFormatTitle(t *testing.T) {
	if got := FormatTitle("Kind of Blue", ""); got != "Kind of Blue" {
		t.Errorf("got %q", got)
	}
	if got := FormatTitle("Kind of Blue", "Legacy Edition"); got != "Kind of Blue (Legacy Edition)" {
		t.Errorf("got %q", got)
	}
}

func TestAlbum_FullResImageURL(t *testing.T) {
	tests := []struct {
		large string
		want  string
	}{
		{"https://img.example/covers/ab/cd_600.jpg", "https://img.example/covers/ab/cd_org.jpg"},
		{"https://img.example/covers/ab/cd_50.jpg", "https://img.example/covers/ab/cd_org.jpg"},
		{"https://img.example/covers/ab/cd.png", "https://img.example/covers/ab/cd.png"},
		{"", ""},
	}

	for _, tt := range tests {
		a := &Album{Image: Image{Large: tt.large}}
		if got := a.FullResImageURL(); got != tt.want {
			t.Errorf("FullResImageURL(%q) = %q, want %q", tt.large, got, tt.want)
		}
	}
}

func TestAlbum_ReleaseYear(t *testing.T) {
	tests := []struct {
		album Album
		want  int
	}{
		{Album{ReleaseDateOriginal: "1959-08-17"}, 1959},
		{Album{ReleasedAt: 946684800}, 2000},
		{Album{ReleaseDateOriginal: "n/a"}, 0},
		{Album{}, 0},
	}

	for _, tt := range tests {
		if got := tt.album.ReleaseYear(); got != tt.want {
			t.Errorf("ReleaseYear(%+v) = %d, want %d", tt.album, got, tt.want)
		}
	}
}

func TestArtistNames(t *testing.T) {
	album := &Album{Artists: []AlbumArtist{{Name: "Miles Davis"}, {Name: "John Coltrane"}}}
	if got := album.ArtistNames(", "); got != "Miles Davis, John Coltrane" {
		t.Errorf("ArtistNames() = %q", got)
	}
	if got := (&Album{}).ArtistNames(", "); got != "Various Artists" {
		t.Errorf("ArtistNames() = %q, want Various Artists", got)
	}

	track := &Track{Performer: &Performer{Name: "Bill Evans"}}
	if got := track.ArtistName(album, ", "); got != "Bill Evans" {
		t.Errorf("ArtistName() = %q, want performer", got)
	}
	if got := (&Track{}).ArtistName(album, ", "); got != "Miles Davis, John Coltrane" {
		t.Errorf("ArtistName() = %q, want album credit", got)
	}
}
