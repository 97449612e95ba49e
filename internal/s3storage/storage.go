// Package s3storage moves scanned files between buckets. It defines the
// object-store surface the pipeline needs and provides MinIO and AWS S3
// implementations of it.
package s3storage

import (
	"context"
	"fmt"
	"io"

	"github.com/dharsanguruparan/VaultScan/internal/config"
	"github.com/dharsanguruparan/VaultScan/internal/model"
	"github.com/dharsanguruparan/VaultScan/internal/storage"
)

// ObjectStore is the subset of S3 semantics VaultScan relies on. Get and
// Copy of a missing object fail with an error wrapping storage.ErrNotFound;
// Delete of a missing object succeeds.
type ObjectStore interface {
	Get(ctx context.Context, loc model.Location) (io.ReadCloser, error)
	Put(ctx context.Context, loc model.Location, r io.Reader, size int64, contentType string) error
	Copy(ctx context.Context, src, dst model.Location) error
	Delete(ctx context.Context, loc model.Location) error
	Exists(ctx context.Context, loc model.Location) (bool, error)
	EnsureBuckets(ctx context.Context, buckets ...string) error
}

var (
	_ ObjectStore = (*MinioStore)(nil)
	_ ObjectStore = (*AWSStore)(nil)
	_ ObjectStore = (*storage.MemoryStore)(nil)
)

// Open builds the store selected by cfg.StorageDriver.
func Open(ctx context.Context, cfg *config.Config) (ObjectStore, error) {
	switch cfg.StorageDriver {
	case config.DriverMinio:
		return NewMinio(cfg)
	case config.DriverS3:
		return NewAWS(ctx, cfg)
	case config.DriverMemory:
		return storage.NewMemoryStore(Buckets(cfg)...), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// Buckets lists every bucket the configuration routes files through: the
// intake bucket plus each upload type's clean and quarantine buckets.
func Buckets(cfg *config.Config) []string {
	seen := map[string]bool{}
	var out []string
	add := func(b string) {
		if b != "" && !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	add(cfg.DMZBucket)
	for _, ut := range cfg.UploadTypes {
		add(ut.CleanBucket)
		add(ut.QuarantineBucket)
	}
	return out
}
