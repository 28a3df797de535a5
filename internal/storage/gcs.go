package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

type GCSArtifacts struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSArtifacts(ctx context.Context, bucket, prefix string) (*GCSArtifacts, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must be provided for gcs artifacts")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSArtifacts{client: client, bucket: bucket, prefix: prefix}, nil
}

func (g *GCSArtifacts) Close() error {
	return g.client.Close()
}

// SaveArtifact writes the object only if it does not exist yet. A redelivered
// page renders the same name, so an existing object counts as saved.
func (g *GCSArtifacts) SaveArtifact(ctx context.Context, name string, content []byte) (string, error) {
	objectName := path.Join(g.prefix, name)
	location := fmt.Sprintf("gs://%s/%s", g.bucket, objectName)

	writer := g.client.Bucket(g.bucket).Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "image/jpeg"
	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if preconditionFailed(err) {
			return location, nil
		}
		return "", fmt.Errorf("write artifact %s: %w", objectName, err)
	}
	if err := writer.Close(); err != nil {
		if preconditionFailed(err) {
			return location, nil
		}
		return "", fmt.Errorf("finalize artifact %s: %w", objectName, err)
	}
	return location, nil
}

func preconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
