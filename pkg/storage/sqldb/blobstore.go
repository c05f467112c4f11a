package sqldb

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/spacetrove/trove/pkg/core"
)

// BlobStore persists payload bodies that are too large or too binary for
// the entry document.
type BlobStore interface {
	Put(ctx context.Context, space, subpath, name string, content []byte) error
	Get(ctx context.Context, space, subpath, name string) ([]byte, error)
	Delete(ctx context.Context, space, subpath, name string) error
}

// dbBlobStore keeps blobs in the blobs table, base64-encoded so the column
// stays dialect-neutral.
type dbBlobStore struct {
	db *sql.DB
}

func (b *dbBlobStore) Put(ctx context.Context, space, subpath, name string, content []byte) error {
	encoded := base64.StdEncoding.EncodeToString(content)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO blobs (space, subpath, name, content)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (space, subpath, name) DO UPDATE SET content = excluded.content
	`, space, subpath, name, encoded)
	if err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return nil
}

func (b *dbBlobStore) Get(ctx context.Context, space, subpath, name string) ([]byte, error) {
	var encoded string
	err := b.db.QueryRowContext(ctx, `
		SELECT content FROM blobs WHERE space = $1 AND subpath = $2 AND name = $3
	`, space, subpath, name).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, core.NotFound(space, subpath, name)
	} else if err != nil {
		return nil, fmt.Errorf("failed to fetch blob: %w", err)
	}
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode blob: %w", err)
	}
	return content, nil
}

func (b *dbBlobStore) Delete(ctx context.Context, space, subpath, name string) error {
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM blobs WHERE space = $1 AND subpath = $2 AND name = $3
	`, space, subpath, name)
	return err
}

// S3Options configures the optional S3 blob store.
type S3Options struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// s3BlobStore keeps blobs in an object bucket, keyed by coordinates.
type s3BlobStore struct {
	client *s3.Client
	bucket string
}

func newS3BlobStore(ctx context.Context, opts S3Options) (*s3BlobStore, error) {
	var cfg aws.Config
	var err error
	if opts.AccessKey != "" && opts.SecretKey != "" {
		cfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(opts.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				opts.AccessKey, opts.SecretKey, "")),
		)
	} else {
		cfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return &s3BlobStore{client: client, bucket: opts.Bucket}, nil
}

func blobKey(space, subpath, name string) string {
	return fmt.Sprintf("blobs/%s/%s/%s", space, subpath, name)
}

func (b *s3BlobStore) Put(ctx context.Context, space, subpath, name string, content []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(blobKey(space, subpath, name)),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob: %w", err)
	}
	return nil
}

func (b *s3BlobStore) Get(ctx context.Context, space, subpath, name string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(blobKey(space, subpath, name)),
	})
	if err != nil {
		return nil, core.NotFound(space, subpath, name).WithCause(err)
	}
	defer out.Body.Close()
	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return content, nil
}

func (b *s3BlobStore) Delete(ctx context.Context, space, subpath, name string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(blobKey(space, subpath, name)),
	})
	return err
}
