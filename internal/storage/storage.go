package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/qobuzdl/server/internal/config"
	apperrors "github.com/qobuzdl/server/internal/errors"
	"github.com/qobuzdl/server/internal/logger"
)

// Backend is an object store the library is mirrored into.
type Backend interface {
	// Name identifies the backend in logs and health output.
	Name() string
	// StatSize returns the stored object's size, or found=false.
	StatSize(ctx context.Context, key string) (size int64, found bool, err error)
	// Put uploads the file at localPath under key.
	Put(ctx context.Context, key, localPath string, size int64, contentType string) error
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
}

// NewBackend builds the configured mirror backend. It returns nil, nil when
// mirroring is disabled.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case config.StorageBackendMinio:
		client, err := NewMinio(&MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return client, nil
	case config.StorageBackendS3:
		return NewS3(&S3Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.S3Bucket,
			UsePathStyle: cfg.S3UsePathStyle,
		}), nil
	default:
		return nil, nil
	}
}

// ObjectKey converts a library-relative path into an object key.
func ObjectKey(relPath string) string {
	key := path.Clean("/" + strings.ReplaceAll(relPath, "\\", "/"))
	return strings.TrimPrefix(key, "/")
}

// ContentType sniffs the file's media type.
func ContentType(localPath string) string {
	mt, err := mimetype.DetectFile(localPath)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

// UploadResult describes one mirrored file.
type UploadResult struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	IsNew       bool   `json:"is_new"` // false when an identical-size object was already there
}

// Mirror copies placed library files into a Backend with retries.
type Mirror struct {
	backend Backend
	retry   *apperrors.RetryConfig
	log     *logger.Logger
}

// NewMirror wraps backend. A nil retry config uses the storage defaults.
func NewMirror(backend Backend, retry *apperrors.RetryConfig, log *logger.Logger) *Mirror {
	if retry == nil {
		retry = apperrors.StorageRetryConfig()
	}
	if log == nil {
		log = logger.Default().WithComponent("storage")
	}
	return &Mirror{backend: backend, retry: retry, log: log}
}

// Backend returns the wrapped backend.
func (m *Mirror) Backend() Backend {
	return m.backend
}

// Upload mirrors localPath under key, skipping the upload when an object of
// the same size already exists.
func (m *Mirror) Upload(ctx context.Context, key, localPath string) (*UploadResult, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, apperrors.StorageError("failed to stat file for mirroring").WithCause(err)
	}

	result := &UploadResult{
		Key:         key,
		Size:        info.Size(),
		ContentType: ContentType(localPath),
	}

	err = apperrors.Retry(ctx, m.retry, func(ctx context.Context) error {
		size, found, err := m.backend.StatSize(ctx, key)
		if err != nil {
			return apperrors.StorageError("failed to stat object").WithCause(err)
		}
		if found && size == result.Size {
			return nil
		}

		if err := m.backend.Put(ctx, key, localPath, result.Size, result.ContentType); err != nil {
			return apperrors.StorageError(fmt.Sprintf("failed to upload %s", key)).WithCause(err)
		}
		result.IsNew = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Debug(ctx, "mirrored file", map[string]interface{}{
		"backend": m.backend.Name(),
		"key":     key,
		"new":     result.IsNew,
	})
	return result, nil
}
