package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioArtifacts struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinioArtifacts(ctx context.Context, endpoint, accessKey, secretKey string, useSSL bool, bucket, prefix string) (*MinioArtifacts, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	return &MinioArtifacts{client: client, bucket: bucket, prefix: prefix}, nil
}

// SaveArtifact uploads a JPEG and returns its s3:// location.
func (m *MinioArtifacts) SaveArtifact(ctx context.Context, name string, content []byte) (string, error) {
	objectKey := path.Join(m.prefix, name)
	_, err := m.client.PutObject(ctx, m.bucket, objectKey, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		return "", fmt.Errorf("put artifact %s: %w", objectKey, err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, objectKey), nil
}
