package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/notification"
)

// ManifestName is the object that marks a submission upload as complete.
const ManifestName = "manifest.json"

// ManifestEvent reports that {SubmissionID}/manifest.json was written.
type ManifestEvent struct {
	SubmissionID string
	ObjectKey    string
	EventName    string
}

// ManifestSource listens on the intake bucket for manifest uploads only;
// page uploads are filtered out by the server through the key suffix.
type ManifestSource struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

func NewManifestSource(client *minio.Client, bucket string, logger *slog.Logger) *ManifestSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManifestSource{client: client, bucket: bucket, logger: logger}
}

// Run delivers manifest events to handle until ctx is done. A handler error
// stops the source; manifests missed meanwhile are found again by
// Intake.Backfill on the next start.
func (s *ManifestSource) Run(ctx context.Context, handle func(context.Context, ManifestEvent) error) error {
	stream := s.client.ListenBucketNotification(ctx, s.bucket, "", "/"+ManifestName,
		[]string{string(notification.ObjectCreatedAll)})
	for {
		select {
		case <-ctx.Done():
			return nil
		case info, ok := <-stream:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("intake notifications closed")
			}
			if info.Err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("intake notifications: %w", info.Err)
			}
			for _, event := range manifestEvents(info, s.logger) {
				if err := handle(ctx, event); err != nil {
					return fmt.Errorf("manifest %s: %w", event.ObjectKey, err)
				}
			}
		}
	}
}

// manifestEvents keeps well-formed manifest keys of one notification batch,
// once each.
func manifestEvents(info notification.Info, logger *slog.Logger) []ManifestEvent {
	seen := make(map[string]bool, len(info.Records))
	out := make([]ManifestEvent, 0, len(info.Records))
	for _, record := range info.Records {
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			logger.Warn("undecodable object key", "key", record.S3.Object.Key, "error", err)
			continue
		}
		submissionID, err := parseManifestKey(key)
		if err != nil {
			logger.Warn("ignoring upload", "key", key, "error", err)
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ManifestEvent{SubmissionID: submissionID, ObjectKey: key, EventName: record.EventName})
	}
	return out
}

// parseManifestKey accepts exactly {submission_id}/manifest.json.
func parseManifestKey(key string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	submissionID, name, ok := strings.Cut(key, "/")
	if !ok || name != ManifestName {
		return "", fmt.Errorf("%q is not {submission_id}/%s", key, ManifestName)
	}
	submissionID = strings.TrimSpace(submissionID)
	if submissionID == "" {
		return "", fmt.Errorf("%q has no submission id", key)
	}
	return submissionID, nil
}
