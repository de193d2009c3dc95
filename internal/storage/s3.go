package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string // optional, S3-compatible endpoint
	PublicBaseURL   string
	AccessKeyID     string // optional, falls back to the default credential chain
	SecretAccessKey string
}

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store uploads renders to an S3 bucket served from a public base URL.
type S3Store struct {
	*Downloader

	client        S3API
	bucket        string
	publicBaseURL string
}

func NewS3(ctx context.Context, opts S3Options, dl *Downloader) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3WithClient(client, opts.Bucket, opts.PublicBaseURL, dl), nil
}

func NewS3WithClient(client S3API, bucket, publicBaseURL string, dl *Downloader) *S3Store {
	if dl == nil {
		dl = NewDownloader()
	}
	return &S3Store{
		Downloader:    dl,
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

func (s *S3Store) Upload(ctx context.Context, body io.ReadSeeker, suggestedName, contentType string) (string, error) {
	key := ObjectKey(suggestedName)

	size, err := contentLength(body)
	if err != nil {
		return "", fmt.Errorf("failed to size upload: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put s3://%s/%s: %w", s.bucket, key, err)
	}

	return s.publicBaseURL + "/" + key, nil
}

func (s *S3Store) Delete(ctx context.Context, publicURL string) error {
	prefix := s.publicBaseURL + "/"
	if !strings.HasPrefix(publicURL, prefix) {
		return fmt.Errorf("url %q is not served from %s", publicURL, s.publicBaseURL)
	}

	key := strings.TrimPrefix(publicURL, prefix)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
