package transcoder

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	apperrors "github.com/qobuzdl/server/internal/errors"
	"github.com/qobuzdl/server/internal/logger"
)

// maxStderr bounds how much ffmpeg diagnostic output is kept on failure.
const maxStderr = 16 << 10

// Tags is the metadata embedded in the output file. Empty fields are not
// written.
type Tags struct {
	Title       string
	Artist      string
	AlbumArtist string
	Album       string
	Genre       string
	Date        string
	TrackNumber int
	TrackTotal  int
	DiscNumber  int
	DiscTotal   int
	Copyright   string
	ISRC        string
	Label       string
	UPC         string
}

// Tag is a single metadata key/value pair.
type Tag struct {
	Key   string
	Value string
}

func fraction(n, total int) string {
	if n <= 0 {
		return ""
	}
	if total <= 0 {
		return strconv.Itoa(n)
	}
	return fmt.Sprintf("%d/%d", n, total)
}

// Ordered returns the non-empty tags in the order they are written.
func (t Tags) Ordered() []Tag {
	all := []Tag{
		{"title", t.Title},
		{"artist", t.Artist},
		{"album_artist", t.AlbumArtist},
		{"album", t.Album},
		{"genre", t.Genre},
		{"date", t.Date},
		{"track", fraction(t.TrackNumber, t.TrackTotal)},
		{"disc", fraction(t.DiscNumber, t.DiscTotal)},
		{"copyright", t.Copyright},
		{"isrc", t.ISRC},
		{"label", t.Label},
		{"upc", t.UPC},
	}

	out := all[:0]
	for _, tag := range all {
		if tag.Value = strings.TrimSpace(tag.Value); tag.Value != "" {
			out = append(out, tag)
		}
	}
	return out
}

// Request describes one transcode: audio input, optional cover image, and
// the output path.
type Request struct {
	Input  string
	Cover  string
	Output string
	Tags   Tags
}

// BuildArgs returns the ffmpeg argument list for req.
func BuildArgs(req Request) []string {
	args := []string{"-i", req.Input}
	if req.Cover != "" {
		args = append(args, "-i", req.Cover)
	}
	args = append(args, "-y", "-c:a", "flac", "-map", "0:a")
	if req.Cover != "" {
		args = append(args, "-map", "1:v", "-c:v", "copy", "-disposition:v", "attached_pic")
	}
	for _, tag := range req.Tags.Ordered() {
		args = append(args, "-metadata", tag.Key+"="+tag.Value)
	}
	return append(args, req.Output)
}

// Service runs the external ffmpeg binary.
type Service struct {
	path string
	log  *logger.Logger
}

// New creates a transcoder. path defaults to "ffmpeg" on PATH.
func New(path string, log *logger.Logger) *Service {
	if path == "" {
		path = "ffmpeg"
	}
	if log == nil {
		log = logger.Default().WithComponent("transcoder")
	}
	return &Service{path: path, log: log}
}

// Check verifies the ffmpeg binary can be resolved.
func (s *Service) Check(ctx context.Context) error {
	if _, err := exec.LookPath(s.path); err != nil {
		return apperrors.ConfigurationError("ffmpeg not found").WithCause(err)
	}
	return nil
}

// Transcode runs ffmpeg for req. A non-zero exit is reported as a
// TranscodeFailure carrying the exit code and captured stderr.
func (s *Service) Transcode(ctx context.Context, req Request) error {
	args := BuildArgs(req)
	cmd := exec.CommandContext(ctx, s.path, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	s.log.Debug(ctx, "running ffmpeg", map[string]interface{}{"output": req.Output, "with_cover": req.Cover != ""})

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			return apperrors.TranscodeFailure(exitErr.ExitCode(), tail(stderr.String(), maxStderr)).WithCause(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.TranscodeFailure(-1, err.Error()).WithCause(err)
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
