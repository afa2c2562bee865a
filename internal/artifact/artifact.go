// Package artifact stores finished export files and hands them back for
// download. Writers buffer output until Commit so a reader never sees a
// partially written artifact.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"constituency-export/internal/config"
	"constituency-export/internal/models"
)

// ErrNotFound is returned when a stored artifact no longer exists.
var ErrNotFound = errors.New("artifact not found")

// Writer receives serialized output for one job.
type Writer interface {
	io.Writer
	// Commit publishes the artifact and returns where it lives.
	Commit(ctx context.Context) (models.Artifact, error)
	// Abort discards everything written so far. It is safe after Commit.
	Abort(ctx context.Context) error
}

// Download tells the HTTP layer how to serve an artifact: either a local
// file to stream or a time-limited URL to redirect to.
type Download struct {
	Path string
	URL  string
}

// Sink is a storage backend for export artifacts.
type Sink interface {
	Create(ctx context.Context, jobID, name, contentType string) (Writer, error)
	Delete(ctx context.Context, location string) error
	Resolve(ctx context.Context, location, name string) (Download, error)
}

// New selects the sink configured by ARTIFACT_BACKEND.
func New(ctx context.Context, cfg config.Config) (Sink, error) {
	switch cfg.ArtifactBackend {
	case "", "local":
		return NewLocal(cfg.ArtifactDir), nil
	case "s3":
		return NewS3(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			Prefix:    cfg.ArtifactPrefix,
			URLTTL:    cfg.DownloadURLTTL,
		})
	case "minio":
		return NewMinio(ctx, MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Region:    cfg.MinioRegion,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			Prefix:    cfg.ArtifactPrefix,
			URLTTL:    cfg.DownloadURLTTL,
		})
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
	}
}

func objectKey(prefix, jobID, name string) string {
	return path.Join(strings.Trim(prefix, "/"), jobID, name)
}

// splitLocation parses "<scheme>://<bucket>/<key>".
func splitLocation(scheme, location string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(location, scheme+"://")
	if !ok {
		return "", "", fmt.Errorf("location %q is not a %s location", location, scheme)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed %s location %q", scheme, location)
	}
	return bucket, key, nil
}

// Attachment is the Content-Disposition value that saves a download as name.
func Attachment(name string) string {
	return fmt.Sprintf("attachment; filename=%q", name)
}
