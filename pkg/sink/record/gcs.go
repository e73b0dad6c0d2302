package record

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStorage implements Storage on a Google Cloud Storage bucket.
type GCSStorage struct {
	client  *storage.Client
	bucket  string
	baseDir string
}

// NewGCSStorage connects to bucket and checks that it is accessible.
// Objects are stored under baseDir. Client options select credentials or
// an emulator endpoint.
func NewGCSStorage(ctx context.Context, bucket, baseDir string, opts ...option.ClientOption) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucket, err)
	}
	return &GCSStorage{
		client:  client,
		bucket:  bucket,
		baseDir: strings.Trim(baseDir, "/"),
	}, nil
}

func (s *GCSStorage) fullPath(p string) string {
	if s.baseDir == "" {
		return p
	}
	return path.Join(s.baseDir, p)
}

// Write uploads data as one object.
func (s *GCSStorage) Write(ctx context.Context, p string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(s.fullPath(p)).NewWriter(ctx)
	w.ContentType = ContentType(p)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

// List lists the objects under dir.
func (s *GCSStorage) List(ctx context.Context, dir string) ([]string, error) {
	prefix := s.fullPath(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})

	var files []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}
		// synthetic directory entries have only a prefix
		if attrs.Name == "" {
			continue
		}
		name := strings.TrimPrefix(attrs.Name, prefix)
		if name != "" && !strings.HasSuffix(name, "/") {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Delete removes an object.
func (s *GCSStorage) Delete(ctx context.Context, p string) error {
	err := s.client.Bucket(s.bucket).Object(s.fullPath(p)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

// ContentType returns the MIME type stored with a segment.
func ContentType(p string) string {
	switch path.Ext(p) {
	case ".h264":
		return "video/h264"
	case ".h265":
		return "video/h265"
	case ".mjpeg":
		return "video/x-motion-jpeg"
	case ".ivf":
		return "video/x-ivf"
	}
	return "application/octet-stream"
}
