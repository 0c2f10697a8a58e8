// Package artifact stores export files and issues download URLs for them.
//
// Two backends are available:
//   - local: files under a directory, downloaded through the API with a
//     signed, short-lived token
//   - s3: any S3-compatible bucket, downloaded through presigned URLs
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/idost/parasto-jobs/internal/config"
	"github.com/idost/parasto-jobs/internal/core"
)

var (
	// ErrInvalidKey is returned for keys that are empty or escape the store root.
	ErrInvalidKey = errors.New("invalid artifact key")

	// ErrSizeMismatch is returned when Put reads a different byte count than declared.
	ErrSizeMismatch = errors.New("artifact size mismatch")
)

// New builds the artifact store selected by cfg. publicBaseURL is the
// externally reachable address of this service, used for local links.
func New(ctx context.Context, cfg config.ArtifactConfig, publicBaseURL string) (core.ArtifactStore, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalStore(cfg.Dir, publicBaseURL, cfg.SigningKey, cfg.URLTTL)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			URLTTL:    cfg.URLTTL,
		})
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

// cleanKey validates a slash-separated key and returns its clean form.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}
