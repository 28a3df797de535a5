package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"icr-worker/internal/config"
	"icr-worker/internal/domain"
	"icr-worker/internal/producer"
	"icr-worker/internal/recognition"
	"icr-worker/internal/storage"
)

// Catalog is what the processes need from either catalog backend.
type Catalog interface {
	SetStatus(ctx context.Context, submissionID string, status domain.SubmissionStatus) error
	GetStatus(ctx context.Context, submissionID string) (domain.SubmissionRecord, error)
	UpsertPageResult(ctx context.Context, rec domain.PageRecord) error
	HasPageResult(ctx context.Context, submissionID string, pageIndex int) (bool, error)
	ListPages(ctx context.Context, submissionID string) ([]domain.PageRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backends holds the opened stores for one process.
type Backends struct {
	Queue    *storage.SQLiteQueue
	Counters *storage.SQLiteCounters
	Catalog  Catalog
	closers  []func() error
}

// Open opens the local queue and counter store under cfg.QueueRoot and
// connects to the configured catalog.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}

	q, err := storage.OpenSQLiteQueue(filepath.Join(cfg.QueueRoot, storage.QueueDBName), cfg.QueueLease, cfg.QueuePollInterval)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	b.Queue = q
	b.closers = append(b.closers, q.Close)
	logger.Info("opened answers queue", "path", filepath.Join(cfg.QueueRoot, storage.QueueDBName))

	counters, err := storage.OpenSQLiteCounters(filepath.Join(cfg.QueueRoot, storage.CountersDBName))
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open counters: %w", err)
	}
	b.Counters = counters
	b.closers = append(b.closers, counters.Close)
	logger.Info("opened status counters", "path", filepath.Join(cfg.QueueRoot, storage.CountersDBName))

	catalog, err := openCatalog(ctx, cfg)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Catalog = catalog
	b.closers = append(b.closers, catalog.Close)
	logger.Info("connected catalog", "backend", cfg.CatalogBackend)

	return b, nil
}

func openCatalog(ctx context.Context, cfg config.Config) (Catalog, error) {
	switch cfg.CatalogBackend {
	case config.CatalogFirestore:
		c, err := storage.NewFirestoreCatalog(ctx, cfg.FirestoreProjectID, cfg.FirestoreSubmissionsCollection, cfg.FirestoreAnswersCollection)
		if err != nil {
			return nil, fmt.Errorf("connect firestore: %w", err)
		}
		return c, nil
	default:
		c, err := storage.NewPostgresCatalog(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.Ping(pingCtx); err != nil {
			c.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		if err := c.EnsureSchema(ctx); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}
}

// Producer returns a producer writing into these backends.
func (b *Backends) Producer(logger *slog.Logger) *producer.Producer {
	return &producer.Producer{Queue: b.Queue, Counters: b.Counters, Catalog: b.Catalog, Logger: logger}
}

func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// OpenArtifacts returns the configured artifact store.
func OpenArtifacts(ctx context.Context, cfg config.Config) (recognition.ArtifactStore, error) {
	switch cfg.ArtifactBackend {
	case config.ArtifactsMinio:
		return storage.NewMinioArtifacts(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL, cfg.MinioBucket, "")
	case config.ArtifactsGCS:
		return storage.NewGCSArtifacts(ctx, cfg.GCSBucket, "")
	default:
		return storage.NewLocalArtifacts(cfg.SavePath)
	}
}
