package params

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/etsy/jenkins-master-project/internal/config"
)

// MinIOStager stages files as objects keyed <master build>/<param>/<file name>.
// Locations have the form s3://<bucket>/<key>.
type MinIOStager struct {
	client *minio.Client
	bucket string
}

// NewMinIOStager connects to the endpoint and creates the bucket when missing.
func NewMinIOStager(ctx context.Context, cfg config.MinIOConfig) (*MinIOStager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio: bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("minio: make bucket: %w", err)
		}
	}
	return &MinIOStager{client: client, bucket: cfg.Bucket}, nil
}

// Stage uploads the file. Objects previously staged for the same parameter are
// removed so the prefix holds exactly one file.
func (s *MinIOStager) Stage(ctx context.Context, masterBuildID, param, fileName string, r io.Reader, size int64) (string, error) {
	key, err := objectKey(masterBuildID, param, fileName)
	if err != nil {
		return "", err
	}
	prefix := masterBuildID + "/" + param + "/"
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return "", fmt.Errorf("minio: list %s: %w", prefix, obj.Err)
		}
		if obj.Key == key {
			continue
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return "", fmt.Errorf("minio: remove %s: %w", obj.Key, err)
		}
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: "application/octet-stream"}); err != nil {
		return "", fmt.Errorf("minio: put %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// Open streams an object of this stager's bucket.
func (s *MinIOStager) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	key, err := s.keyOf(location)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio: get %s: %w", key, err)
	}
	return obj, nil
}

func (s *MinIOStager) keyOf(location string) (string, error) {
	rest, ok := strings.CutPrefix(location, "s3://"+s.bucket+"/")
	if !ok || rest == "" {
		return "", fmt.Errorf("minio: location %q is not in bucket %s", location, s.bucket)
	}
	return rest, nil
}
