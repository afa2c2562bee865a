package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	Prefix    string
	URLTTL    time.Duration
}

// S3 stores artifacts in an S3-compatible bucket and serves them through
// presigned GET URLs.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
	ttl     time.Duration
}

func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 artifact backend requires S3_BUCKET")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return newS3WithClient(client, opts), nil
}

func newS3WithClient(client *s3.Client, opts S3Options) *S3 {
	ttl := opts.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  opts.Bucket,
		prefix:  opts.Prefix,
		ttl:     ttl,
	}
}

func (s *S3) Create(_ context.Context, jobID, name, contentType string) (Writer, error) {
	key := objectKey(s.prefix, jobID, name)
	return newSpoolWriter(name, func(ctx context.Context, body io.Reader, size int64) (string, error) {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:             aws.String(s.bucket),
			Key:                aws.String(key),
			Body:               body,
			ContentLength:      aws.Int64(size),
			ContentType:        aws.String(contentType),
			ContentDisposition: aws.String(Attachment(name)),
		})
		if err != nil {
			return "", fmt.Errorf("put object: %w", err)
		}
		return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
	})
}

func (s *S3) Delete(ctx context.Context, location string) error {
	bucket, key, err := splitLocation("s3", location)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *S3) Resolve(ctx context.Context, location, name string) (Download, error) {
	bucket, key, err := splitLocation("s3", location)
	if err != nil {
		return Download{}, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return Download{}, ErrNotFound
	}
	if err != nil {
		return Download{}, fmt.Errorf("head object: %w", err)
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(Attachment(name)),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return Download{}, fmt.Errorf("presign object: %w", err)
	}
	return Download{URL: req.URL}, nil
}
