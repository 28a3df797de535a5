package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"

	"icr-worker/internal/domain"
	"icr-worker/internal/producer"
)

// Manifest lists the page images of a submission in page order. Page names
// are relative to the submission prefix.
type Manifest struct {
	Pages []string `json:"pages"`
}

type ObjectStore interface {
	ReadObject(ctx context.Context, key string) ([]byte, error)
	DownloadObject(ctx context.Context, key, dest string) error
	ListObjects(ctx context.Context, suffix string) ([]string, error)
}

type Enqueuer interface {
	// Resume reports the first page offset not yet queued when an earlier
	// enqueue of submissionID stopped part way.
	Resume(ctx context.Context, submissionID string) (next int, incomplete bool, err error)
	Enqueue(ctx context.Context, submissionID string, imagePaths []string) (producer.Submission, error)
}

type StatusReader interface {
	GetStatus(ctx context.Context, submissionID string) (domain.SubmissionRecord, error)
}

// Intake downloads uploaded submissions into IncomingDir and queues them.
type Intake struct {
	Objects     ObjectStore
	Enqueuer    Enqueuer
	Catalog     StatusReader
	IncomingDir string
	Logger      *slog.Logger
}

// Handle queues the submission named by a manifest. Malformed manifests are
// logged and skipped. A submission whose queueing stopped part way is
// finished, fetching only the pages not queued yet.
func (in *Intake) Handle(ctx context.Context, event ManifestEvent) error {
	logger := in.logger().With("submission_id", event.SubmissionID, "object", event.ObjectKey)

	next, incomplete, err := in.Enqueuer.Resume(ctx, event.SubmissionID)
	if errors.Is(err, producer.ErrAlreadyQueued) {
		logger.Info("submission already queued")
		return nil
	}
	if err != nil {
		return err
	}
	if !incomplete {
		if known, err := in.known(ctx, event.SubmissionID); err != nil {
			return err
		} else if known {
			logger.Info("submission already registered")
			return nil
		}
	}

	raw, err := in.Objects.ReadObject(ctx, event.ObjectKey)
	if err != nil {
		return fmt.Errorf("read manifest %s: %w", event.ObjectKey, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		logger.Error("invalid manifest", "error", err)
		return nil
	}
	if len(manifest.Pages) == 0 {
		logger.Error("manifest lists no pages")
		return nil
	}
	if next > len(manifest.Pages) {
		logger.Error("manifest lists fewer pages than already queued", "pages", len(manifest.Pages), "queued", next)
		return nil
	}

	dir := filepath.Join(in.IncomingDir, event.SubmissionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create incoming dir: %w", err)
	}
	paths := make([]string, 0, len(manifest.Pages))
	for i, page := range manifest.Pages {
		page = strings.TrimSpace(page)
		if page == "" || strings.Contains(page, "..") {
			logger.Error("invalid page name in manifest", "page", page)
			return nil
		}
		dest := filepath.Join(dir, fmt.Sprintf("%03d%s", i+1, path.Ext(page)))
		paths = append(paths, dest)
		if i < next {
			// already queued; the worker may have consumed the file
			continue
		}
		if err := in.Objects.DownloadObject(ctx, path.Join(event.SubmissionID, page), dest); err != nil {
			return fmt.Errorf("download page %s: %w", page, err)
		}
	}

	sub, err := in.Enqueuer.Enqueue(ctx, event.SubmissionID, paths)
	if errors.Is(err, producer.ErrAlreadyQueued) {
		logger.Info("submission already queued")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("submission received", "pages", len(sub.Jobs), "resumed", incomplete)
	return nil
}

// Backfill queues manifests uploaded while nothing was listening and
// finishes submissions whose queueing was interrupted.
func (in *Intake) Backfill(ctx context.Context) error {
	keys, err := in.Objects.ListObjects(ctx, "/"+ManifestName)
	if err != nil {
		return fmt.Errorf("list manifests: %w", err)
	}
	for _, key := range keys {
		submissionID, err := parseManifestKey(key)
		if err != nil {
			continue
		}
		event := ManifestEvent{SubmissionID: submissionID, ObjectKey: key, EventName: "backfill"}
		if err := in.Handle(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (in *Intake) known(ctx context.Context, submissionID string) (bool, error) {
	if in.Catalog == nil {
		return false, nil
	}
	_, err := in.Catalog.GetStatus(ctx, submissionID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (in *Intake) logger() *slog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return slog.Default()
}

// MinioObjects reads submissions from one bucket.
type MinioObjects struct {
	client *minio.Client
	bucket string
}

func NewMinioObjects(client *minio.Client, bucket string) *MinioObjects {
	return &MinioObjects{client: client, bucket: bucket}
}

func (m *MinioObjects) ReadObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (m *MinioObjects) DownloadObject(ctx context.Context, key, dest string) error {
	return m.client.FGetObject(ctx, m.bucket, key, dest, minio.GetObjectOptions{})
}

func (m *MinioObjects) ListObjects(ctx context.Context, suffix string) ([]string, error) {
	var keys []string
	for info := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		if strings.HasSuffix(info.Key, suffix) {
			keys = append(keys, info.Key)
		}
	}
	return keys, nil
}
