package catalog

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	albumIDPattern   = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	numericIDPattern = regexp.MustCompile(`^[0-9]+$`)
)

// Link is a catalog object referenced by a web or player URL.
type Link struct {
	Kind      ItemKind `json:"kind"`
	ID        string   `json:"id"`
	Canonical string   `json:"canonical_url"`
}

// ParseLink extracts the object kind and id from a catalog URL. Player
// links look like play.qobuz.com/album/<id>; store links carry a locale
// and a slug, e.g. www.qobuz.com/gb-en/album/<slug>/<id>.
func ParseLink(rawURL string) (*Link, error) {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil || rawURL == "" {
		return nil, fmt.Errorf("invalid URL format")
	}
	if parsed.Scheme == "" {
		// "play.qobuz.com/album/x" parses as a bare path.
		if parsed, err = url.Parse("https://" + rawURL); err != nil {
			return nil, fmt.Errorf("invalid URL format")
		}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme")
	}

	host := strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	segments := strings.FieldsFunc(parsed.Path, func(r rune) bool { return r == '/' })

	var kind, id string
	switch host {
	case "play.qobuz.com", "open.qobuz.com":
		if len(segments) != 2 {
			return nil, fmt.Errorf("unrecognized player link")
		}
		kind, id = segments[0], segments[1]
	case "qobuz.com":
		// /<locale>/<kind>/<slug>/<id>
		if len(segments) < 3 {
			return nil, fmt.Errorf("unrecognized store link")
		}
		kind, id = segments[1], segments[len(segments)-1]
	default:
		return nil, fmt.Errorf("not a catalog URL")
	}

	link := &Link{ID: id}
	switch kind {
	case "album":
		link.Kind = KindAlbum
		if !albumIDPattern.MatchString(id) {
			return nil, fmt.Errorf("invalid album id %q", id)
		}
	case "track":
		link.Kind = KindTrack
		if !numericIDPattern.MatchString(id) {
			return nil, fmt.Errorf("invalid track id %q", id)
		}
	case "artist", "interpreter":
		link.Kind = KindArtist
		if !numericIDPattern.MatchString(id) {
			return nil, fmt.Errorf("invalid artist id %q", id)
		}
	default:
		return nil, fmt.Errorf("unsupported link type %q", kind)
	}

	link.Canonical = fmt.Sprintf("https://play.qobuz.com/%s/%s", link.Kind, link.ID)
	return link, nil
}
