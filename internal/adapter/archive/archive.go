// Package archive keeps a raw copy of every committed ingestion window in
// S3-compatible object storage, one newline-delimited JSON object per window.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/ingest"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectStore is the subset of *minio.Client the archiver uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Config holds the object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Secure    bool
}

// Archiver implements ingest.Archiver on top of minio-go.
type Archiver struct {
	store  objectStore
	bucket string
	prefix string
	logger *slog.Logger
}

// New connects to the object store described by cfg.
func New(cfg Config, logger *slog.Logger) (*Archiver, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("archive endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return newArchiver(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newArchiver(store objectStore, bucket, prefix string, logger *slog.Logger) *Archiver {
	if prefix == "" {
		prefix = "raw"
	}
	return &Archiver{store: store, bucket: bucket, prefix: prefix, logger: logger}
}

// EnsureBucket creates the bucket if it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	ok, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if ok {
		return nil
	}
	if err := a.store.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	a.logger.Info("archive bucket created", "bucket", a.bucket)
	return nil
}

// ObjectKey is where a window's records are stored:
//
//	<prefix>/<region_id>/<source>/<start>_<end>.ndjson
//
// Timestamps use the compact form 20250101T000000Z. Re-archiving the same
// window overwrites the object.
func (a *Archiver) ObjectKey(key ingest.WindowKey) string {
	name := fmt.Sprintf("%s_%s.ndjson", stamp(key.Window.Start), stamp(key.Window.End))
	return path.Join(a.prefix, key.RegionID, string(key.Source), name)
}

// Archive implements ingest.Archiver.
func (a *Archiver) Archive(ctx context.Context, key ingest.WindowKey, records []domain.DisturbanceRecord) error {
	body, err := encode(records)
	if err != nil {
		return err
	}
	object := a.ObjectKey(key)
	info, err := a.store.PutObject(ctx, a.bucket, object, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
		UserMetadata: map[string]string{
			"region-id": key.RegionID,
			"source":    string(key.Source),
			"records":   fmt.Sprint(len(records)),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", object, err)
	}
	a.logger.Debug("window archived", "object", object, "bytes", info.Size, "records", len(records))
	return nil
}

func encode(records []domain.DisturbanceRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode record %s: %w", r.Key, err)
		}
	}
	return buf.Bytes(), nil
}

func stamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}
