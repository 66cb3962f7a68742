/*
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package output

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectStore is the part of *minio.Client the sink uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

var _ Sink = &MinioSink{}

// MinioSink uploads results as objects to a MinIO (or other S3 compatible) bucket.
// The bucket is created on first write when it doesn't exist.
type MinioSink struct {
	client objectStore
	bucket string
	prefix string

	ensureOnce sync.Once
	ensureErr  error
}

func NewMinioSink(config MinioConfig, prefix string) (*MinioSink, error) {
	if config.Endpoint == "" || config.Bucket == "" {
		return nil, fmt.Errorf("minio: endpoint and bucket are required")
	}
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: create client: %w", err)
	}
	return newMinioSink(client, config.Bucket, prefix), nil
}

func newMinioSink(client objectStore, bucket string, prefix string) *MinioSink {
	return &MinioSink{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// WithPrefix returns a sink that writes to the same bucket under another prefix.
func (s *MinioSink) WithPrefix(prefix string) *MinioSink {
	return newMinioSink(s.client, s.bucket, prefix)
}

func (s *MinioSink) Write(ctx context.Context, name string, data []byte) (string, error) {
	s.ensureOnce.Do(func() {
		s.ensureErr = s.ensureBucket(ctx)
	})
	if s.ensureErr != nil {
		return "", s.ensureErr
	}
	objectName := path.Join(s.prefix, name)
	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentTypeOf(name),
	})
	if err != nil {
		return "", fmt.Errorf("minio: put object %s in bucket %s: %w", objectName, s.bucket, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectName), nil
}

func (s *MinioSink) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("minio: check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("minio: create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func contentTypeOf(name string) string {
	switch path.Ext(name) {
	case FormatNDJSON.Extension():
		return ndjsonMediaType
	case ".json":
		return "application/json"
	}
	if contentType := mime.TypeByExtension(path.Ext(name)); contentType != "" {
		return contentType
	}
	return "application/octet-stream"
}
