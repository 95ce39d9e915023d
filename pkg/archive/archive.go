// Package archive stores exported transcripts in an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/dotsetgreg/cairelay/pkg/config"
	"github.com/dotsetgreg/cairelay/pkg/logger"
	"github.com/dotsetgreg/cairelay/pkg/transcript"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Sink struct {
	client *minio.Client
	bucket string
	region string

	mu      sync.Mutex
	ensured bool
}

// New returns a sink for the configured bucket. The bucket is created on
// first use when it does not exist.
func New(cfg config.ArchiveConfig) (*Sink, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("archive endpoint is required (set archive.endpoint or CAIRELAY_ARCHIVE_ENDPOINT)")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init archive client: %w", err)
	}
	return &Sink{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func (s *Sink) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check archive bucket: %w", err)
	}
	if !exists {
		logger.InfoCF("archive", "Creating archive bucket", map[string]interface{}{"bucket": s.bucket})
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("create archive bucket: %w", err)
		}
	}
	s.ensured = true
	return nil
}

// ObjectKey is <room_id>/<file name>, with path separators in either part
// replaced so the key stays two levels deep.
func ObjectKey(roomID, fileName string) string {
	clean := func(s string) string {
		s = strings.TrimSpace(s)
		s = strings.ReplaceAll(s, "/", "_")
		return strings.ReplaceAll(s, "\\", "_")
	}
	return path.Join(clean(roomID), clean(fileName))
}

// Put uploads file under the room's prefix and returns the object key.
func (s *Sink) Put(ctx context.Context, roomID string, file *transcript.ExportFile) (string, error) {
	if file == nil {
		return "", fmt.Errorf("archive: nil export file")
	}
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}

	key := ObjectKey(roomID, file.Name)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(file.Data), int64(len(file.Data)), minio.PutObjectOptions{
		ContentType: file.MimeType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	logger.InfoCF("archive", "Transcript archived", map[string]interface{}{
		"bucket": s.bucket,
		"key":    key,
		"bytes":  len(file.Data),
	})
	return key, nil
}
