package library

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gofrs/flock"
	"golang.org/x/text/unicode/norm"

	apperrors "github.com/qobuzdl/server/internal/errors"
	"github.com/qobuzdl/server/internal/logger"
)

const (
	// CoverFileName is the per-album artwork file.
	CoverFileName = "cover.jpg"

	trackExt       = ".flac"
	lockFileName   = ".qobuzdl.lock"
	maxNameBytes   = 200
	dirPermissions = 0o755
)

// ErrLocked is returned when another process holds the library lock.
var ErrLocked = stderrors.New("library is locked by another process")

var illegalNameChars = strings.NewReplacer(
	"/", "_", "\\", "_", "?", "_", "%", "_", "*", "_",
	":", "_", "|", "_", "\"", "_", "<", "_", ">", "_",
)

// SanitizeName makes s safe as a single path component: NFC-normalized,
// reserved characters replaced, control characters dropped, trailing dots
// and spaces trimmed, and the result capped in length.
func SanitizeName(s string) string {
	return sanitizeName(s, maxNameBytes)
}

func sanitizeName(s string, limit int) string {
	s = norm.NFC.String(s)
	s = illegalNameChars.Replace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(strings.TrimSpace(s), ". ")

	if len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = strings.TrimRight(s[:cut], ". ")
	}
	if s == "" {
		return "_"
	}
	return s
}

// AlbumDirName builds "{artist} - {title} [{year}]"; the year is left out
// when unknown.
func AlbumDirName(artist, title string, year int) string {
	name := artist + " - " + title
	if year > 0 {
		name = fmt.Sprintf("%s [%d]", name, year)
	}
	return SanitizeName(name)
}

// TrackFileName builds "{NN}. {title}.flac". Only the stem is shortened,
// so the extension always survives.
func TrackFileName(trackNumber int, title string) string {
	stem := fmt.Sprintf("%02d. %s", trackNumber, title)
	return sanitizeName(stem, maxNameBytes-len(trackExt)) + trackExt
}

// Library is the on-disk album tree under a single root directory.
type Library struct {
	root string
	lock *flock.Flock
	log  *logger.Logger
}

// New prepares the library root, creating it when missing.
func New(root string, log *logger.Logger) (*Library, error) {
	if root == "" {
		return nil, apperrors.ConfigurationError("library root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apperrors.ConfigurationError("invalid library root").WithCause(err)
	}
	if err := os.MkdirAll(abs, dirPermissions); err != nil {
		return nil, apperrors.StorageError("failed to create library root").WithCause(err)
	}
	if log == nil {
		log = logger.Default().WithComponent("library")
	}

	return &Library{
		root: abs,
		lock: flock.New(filepath.Join(abs, lockFileName)),
		log:  log,
	}, nil
}

// Root returns the absolute library root.
func (l *Library) Root() string {
	return l.root
}

// Lock takes an exclusive, non-blocking lock on the library root so only one
// process writes into it.
func (l *Library) Lock() error {
	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire library lock: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	return nil
}

// Unlock releases the library lock.
func (l *Library) Unlock() error {
	return l.lock.Unlock()
}

// Check verifies the root is a writable directory.
func (l *Library) Check(ctx context.Context) error {
	info, err := os.Stat(l.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", l.root)
	}
	f, err := os.CreateTemp(l.root, ".healthcheck-*")
	if err != nil {
		return fmt.Errorf("library root not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// EnsureAlbumDir creates the album directory and returns its absolute path.
func (l *Library) EnsureAlbumDir(dirName string) (string, error) {
	dir := filepath.Join(l.root, dirName)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return "", apperrors.StorageError("failed to create album directory").
			WithDetails(map[string]any{"dir": dirName}).
			WithCause(err)
	}
	return dir, nil
}

// PlaceFile moves src to dir/name, replacing any existing file. Moves across
// filesystems fall back to copy and remove.
func (l *Library) PlaceFile(src, dir, name string) (string, error) {
	dest := filepath.Join(dir, name)

	if err := os.Rename(src, dest); err == nil {
		return dest, nil
	}

	if err := copyFile(src, dest); err != nil {
		return "", apperrors.StorageError("failed to place file").
			WithDetails(map[string]any{"dest": dest}).
			WithCause(err)
	}
	if err := os.Remove(src); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		l.log.Warn(context.Background(), "failed to remove source after copy", map[string]interface{}{"src": src, "error": err.Error()})
	}
	return dest, nil
}

// WriteCoverOnce writes the album artwork unless the directory already has
// one. It reports whether a new file was written.
func (l *Library) WriteCoverOnce(dir string, data []byte) (bool, error) {
	path := filepath.Join(dir, CoverFileName)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if stderrors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, apperrors.StorageError("failed to create cover").WithCause(err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return false, apperrors.StorageError("failed to write cover").WithCause(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return false, apperrors.StorageError("failed to write cover").WithCause(err)
	}
	return true, nil
}

// RelPath returns path relative to the library root, slash-separated.
func (l *Library) RelPath(path string) string {
	rel, err := filepath.Rel(l.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
