package catalog

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ItemKind discriminates the catalog objects a client can submit.
type ItemKind string

const (
	KindTrack  ItemKind = "track"
	KindAlbum  ItemKind = "album"
	KindArtist ItemKind = "artist"
)

// Item is a catalog object classified once, when decoded at the boundary.
// Exactly one of Track, Album, Artist is set, matching Kind.
type Item struct {
	Kind   ItemKind
	Track  *Track
	Album  *Album
	Artist *Artist
}

// TrackItem wraps a track.
func TrackItem(t *Track) Item { return Item{Kind: KindTrack, Track: t} }

// AlbumItem wraps an album.
func AlbumItem(a *Album) Item { return Item{Kind: KindAlbum, Album: a} }

// ID returns the catalog identifier of the wrapped object.
func (i Item) ID() string {
	switch i.Kind {
	case KindTrack:
		if i.Track != nil {
			return strconv.FormatInt(i.Track.ID, 10)
		}
	case KindAlbum:
		if i.Album != nil {
			return i.Album.ID
		}
	case KindArtist:
		if i.Artist != nil {
			return strconv.FormatInt(i.Artist.ID, 10)
		}
	}
	return ""
}

// Key identifies the subject across kinds; track and album ids live in
// separate namespaces upstream.
func (i Item) Key() string {
	return string(i.Kind) + ":" + i.ID()
}

// Title is the human-readable label, with version suffix.
func (i Item) Title() string {
	switch i.Kind {
	case KindTrack:
		if i.Track != nil {
			return i.Track.DisplayTitle()
		}
	case KindAlbum:
		if i.Album != nil {
			return i.Album.DisplayTitle()
		}
	case KindArtist:
		if i.Artist != nil {
			return i.Artist.Name
		}
	}
	return ""
}

func (i Item) payload() any {
	switch {
	case i.Kind == KindTrack && i.Track != nil:
		return i.Track
	case i.Kind == KindAlbum && i.Album != nil:
		return i.Album
	case i.Kind == KindArtist && i.Artist != nil:
		return i.Artist
	}
	return nil
}

// MarshalJSON emits the catalog object with an explicit "kind" field added.
func (i Item) MarshalJSON() ([]byte, error) {
	p := i.payload()
	if p == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	obj["kind"] = json.RawMessage(strconv.Quote(string(i.Kind)))
	return json.Marshal(obj)
}

// UnmarshalJSON classifies a raw catalog object. An explicit "kind" wins;
// otherwise artists carry albums_count, tracks carry an album relation,
// and everything else is an album.
func (i *Item) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("catalog item must be an object: %w", err)
	}

	kind := ItemKind("")
	if raw, ok := probe["kind"]; ok {
		var k string
		if err := json.Unmarshal(raw, &k); err != nil {
			return fmt.Errorf("invalid kind: %w", err)
		}
		kind = ItemKind(k)
	} else {
		kind = sniffKind(probe)
	}

	switch kind {
	case KindArtist:
		var a Artist
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("decode artist: %w", err)
		}
		*i = Item{Kind: KindArtist, Artist: &a}
	case KindTrack:
		var t Track
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("decode track: %w", err)
		}
		*i = Item{Kind: KindTrack, Track: &t}
	case KindAlbum:
		var a Album
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("decode album: %w", err)
		}
		*i = Item{Kind: KindAlbum, Album: &a}
	default:
		return fmt.Errorf("unknown catalog item kind %q", kind)
	}
	return nil
}

func sniffKind(probe map[string]json.RawMessage) ItemKind {
	if _, ok := probe["albums_count"]; ok {
		return KindArtist
	}
	if raw, ok := probe["album"]; ok && string(raw) != "null" {
		return KindTrack
	}
	return KindAlbum
}
