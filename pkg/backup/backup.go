// Package backup keeps an off-box copy of the tower in an S3-compatible
// bucket (Cloudflare R2).
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var ErrEmptyObject = errors.New("backup object is empty")

// maxObjectSize caps downloads so a wrong key cannot fill memory.
const maxObjectSize = 1 << 20

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Options struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

type Store struct {
	client s3API
	bucket string
}

// New builds a client for the R2 account's S3 endpoint.
func New(ctx context.Context, opts Options) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	endpoint := fmt.Sprintf("https://%s.eu.r2.cloudflarestorage.com", opts.AccountID)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return newStore(client, opts.Bucket), nil
}

func newStore(client s3API, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

func (s *Store) Upload(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *Store) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxObjectSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", s.bucket, key, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", s.bucket, key, ErrEmptyObject)
	}
	return data, nil
}

// Artifacts is the local tower file.
type Artifacts interface {
	Read() ([]byte, error)
	Write(data []byte) error
}

// UploadFile copies the local tower to key.
func (s *Store) UploadFile(ctx context.Context, key string, local Artifacts) (int, error) {
	data, err := local.Read()
	if err != nil {
		return 0, err
	}
	return len(data), s.Upload(ctx, key, data)
}

// DownloadFile replaces the local tower with the object at key.
func (s *Store) DownloadFile(ctx context.Context, key string, local Artifacts) (int, error) {
	data, err := s.Download(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := local.Write(data); err != nil {
		return 0, err
	}
	return len(data), nil
}
