package s3storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/VaultScan/internal/config"
	"github.com/dharsanguruparan/VaultScan/internal/model"
	"github.com/dharsanguruparan/VaultScan/internal/storage"
)

// MinioStore wraps MinIO (or any S3-compatible endpoint) via minio-go.
type MinioStore struct {
	client *minio.Client
	region string
}

// NewMinio creates a MinIO client from the Config.
func NewMinio(cfg *config.Config) (*MinioStore, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &MinioStore{client: client, region: cfg.S3Region}, nil
}

// EnsureBuckets creates any bucket that does not exist yet.
func (s *MinioStore) EnsureBuckets(ctx context.Context, buckets ...string) error {
	for _, bucket := range buckets {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, loc model.Location, r io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, loc.Bucket, loc.Key, r, size, opts); err != nil {
		return fmt.Errorf("put %s: %w", loc, err)
	}
	return nil
}

// Get stats the object first so a missing key surfaces here rather than on
// the first Read.
func (s *MinioStore) Get(ctx context.Context, loc model.Location) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, loc.Bucket, loc.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", loc, minioErr(err))
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("get %s: %w", loc, minioErr(err))
	}
	return obj, nil
}

// Copy is a server-side copy; nothing is written to dst when src is missing.
func (s *MinioStore) Copy(ctx context.Context, src, dst model.Location) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dst.Bucket, Object: dst.Key},
		minio.CopySrcOptions{Bucket: src.Bucket, Object: src.Key},
	)
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, minioErr(err))
	}
	return nil
}

func (s *MinioStore) Delete(ctx context.Context, loc model.Location) error {
	if err := s.client.RemoveObject(ctx, loc.Bucket, loc.Key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", loc, minioErr(err))
	}
	return nil
}

func (s *MinioStore) Exists(ctx context.Context, loc model.Location) (bool, error) {
	_, err := s.client.StatObject(ctx, loc.Bucket, loc.Key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if err = minioErr(err); err == storage.ErrNotFound {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", loc, err)
}

// minioErr maps S3 error codes onto the storage sentinels.
func minioErr(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey":
		return storage.ErrNotFound
	case "NoSuchBucket":
		return storage.ErrNoSuchBucket
	}
	return err
}
