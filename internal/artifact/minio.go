package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Prefix    string
	URLTTL    time.Duration

	// Region skips bucket location lookups when set.
	Region string
}

// Minio stores artifacts in a MinIO bucket, created on first use.
type Minio struct {
	client *minio.Client
	bucket string
	prefix string
	ttl    time.Duration
}

func NewMinio(ctx context.Context, opts MinioOptions) (*Minio, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	ttl := opts.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	m := &Minio{client: client, bucket: opts.Bucket, prefix: opts.Prefix, ttl: ttl}
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Minio) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

func (m *Minio) Create(_ context.Context, jobID, name, contentType string) (Writer, error) {
	key := objectKey(m.prefix, jobID, name)
	return newSpoolWriter(name, func(ctx context.Context, body io.Reader, size int64) (string, error) {
		_, err := m.client.PutObject(ctx, m.bucket, key, body, size, minio.PutObjectOptions{
			ContentType:        contentType,
			ContentDisposition: Attachment(name),
		})
		if err != nil {
			return "", fmt.Errorf("upload artifact: %w", err)
		}
		return fmt.Sprintf("minio://%s/%s", m.bucket, key), nil
	})
}

func (m *Minio) Delete(ctx context.Context, location string) error {
	bucket, key, err := splitLocation("minio", location)
	if err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

func (m *Minio) Resolve(ctx context.Context, location, name string) (Download, error) {
	bucket, key, err := splitLocation("minio", location)
	if err != nil {
		return Download{}, err
	}
	if _, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Download{}, ErrNotFound
		}
		return Download{}, fmt.Errorf("stat artifact: %w", err)
	}
	params := url.Values{}
	params.Set("response-content-disposition", Attachment(name))
	u, err := m.client.PresignedGetObject(ctx, bucket, key, m.ttl, params)
	if err != nil {
		return Download{}, fmt.Errorf("presign artifact: %w", err)
	}
	if u == nil {
		return Download{}, errors.New("presign artifact: empty url")
	}
	return Download{URL: u.String()}, nil
}
