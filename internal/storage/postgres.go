package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"icr-worker/internal/domain"
)

//go:embed sql/catalog_postgres.sql
var catalogSchemaSQL string

const postgresStoreName = "postgres"

// terminalStatuses is passed to the status upsert guard.
var terminalStatuses = pq.Array([]string{
	string(domain.StatusComplete),
	string(domain.StatusPartiallyComplete),
	string(domain.StatusError),
})

type PostgresCatalog struct {
	db *sql.DB
}

func NewPostgresCatalog(dsn string) (*PostgresCatalog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresCatalog{db: db}, nil
}

func (s *PostgresCatalog) Close() error {
	return s.db.Close()
}

func (s *PostgresCatalog) Ping(ctx context.Context) error {
	return domain.CatalogError(postgresStoreName, "ping", s.db.PingContext(ctx))
}

func (s *PostgresCatalog) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, catalogSchemaSQL)
	return domain.CatalogError(postgresStoreName, "ensure schema", err)
}

// SetStatus upserts the submission status record. A terminal status is never
// replaced by a different one; rewriting the same status is a no-op. Every
// applied change is appended to status_transitions.
func (s *PostgresCatalog) SetStatus(ctx context.Context, submissionID string, status domain.SubmissionStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CatalogError(postgresStoreName, "set status", err)
	}
	defer func() { _ = tx.Rollback() }()

	var applied string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO submissions (id, status)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = NOW()
		WHERE submissions.status <> EXCLUDED.status
		  AND NOT (submissions.status = ANY($3))
		RETURNING status
	`, submissionID, status, terminalStatuses).Scan(&applied)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return domain.CatalogError(postgresStoreName, "set status", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO status_transitions (submission_id, status)
		VALUES ($1, $2)
	`, submissionID, applied); err != nil {
		return domain.CatalogError(postgresStoreName, "record transition", err)
	}
	return domain.CatalogError(postgresStoreName, "set status", tx.Commit())
}

func (s *PostgresCatalog) GetStatus(ctx context.Context, submissionID string) (domain.SubmissionRecord, error) {
	rec := domain.SubmissionRecord{ID: submissionID}
	err := s.db.QueryRowContext(ctx, `
		SELECT status, updated_at FROM submissions WHERE id = $1
	`, submissionID).Scan(&rec.Status, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SubmissionRecord{}, fmt.Errorf("submission %s: %w", submissionID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.SubmissionRecord{}, domain.CatalogError(postgresStoreName, "get status", err)
	}
	return rec, nil
}

// UpsertPageResult keys page results by (submission, page) so a redelivered
// job overwrites its earlier record instead of adding a second one.
func (s *PostgresCatalog) UpsertPageResult(ctx context.Context, rec domain.PageRecord) error {
	results, err := json.Marshal(rec.TestResults)
	if err != nil {
		return err
	}
	paths, err := json.Marshal(rec.ArtifactPaths)
	if err != nil {
		return err
	}
	updates, err := json.Marshal(rec.TestUpdates)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO page_results (submission_id, page_index, status, test_results, artifact_paths, test_updates, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7)
		ON CONFLICT (submission_id, page_index) DO UPDATE SET
			status = EXCLUDED.status,
			test_results = EXCLUDED.test_results,
			artifact_paths = EXCLUDED.artifact_paths,
			test_updates = EXCLUDED.test_updates,
			updated_at = NOW()
	`, rec.SubmissionID, rec.PageIndex, rec.Status, string(results), string(paths), string(updates), rec.CreatedAt)
	return domain.CatalogError(postgresStoreName, "upsert page result", err)
}

func (s *PostgresCatalog) HasPageResult(ctx context.Context, submissionID string, pageIndex int) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM page_results WHERE submission_id = $1 AND page_index = $2)`,
		submissionID, pageIndex,
	).Scan(&exists)
	if err != nil {
		return false, domain.CatalogError(postgresStoreName, "lookup page result", err)
	}
	return exists, nil
}

func (s *PostgresCatalog) ListPages(ctx context.Context, submissionID string) ([]domain.PageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT submission_id, page_index, status, test_results, artifact_paths, test_updates, created_at
		FROM page_results
		WHERE submission_id = $1
		ORDER BY page_index ASC
	`, submissionID)
	if err != nil {
		return nil, domain.CatalogError(postgresStoreName, "list pages", err)
	}
	defer rows.Close()

	pages := make([]domain.PageRecord, 0)
	for rows.Next() {
		var rec domain.PageRecord
		var results, paths, updates []byte
		if err := rows.Scan(&rec.SubmissionID, &rec.PageIndex, &rec.Status, &results, &paths, &updates, &rec.CreatedAt); err != nil {
			return nil, domain.CatalogError(postgresStoreName, "list pages", err)
		}
		if err := json.Unmarshal(results, &rec.TestResults); err != nil {
			return nil, fmt.Errorf("decode test_results: %w", err)
		}
		if err := json.Unmarshal(paths, &rec.ArtifactPaths); err != nil {
			return nil, fmt.Errorf("decode artifact_paths: %w", err)
		}
		if err := json.Unmarshal(updates, &rec.TestUpdates); err != nil {
			return nil, fmt.Errorf("decode test_updates: %w", err)
		}
		pages = append(pages, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.CatalogError(postgresStoreName, "list pages", err)
	}
	return pages, nil
}

// CountTransitions returns how many status changes were applied to a
// submission.
func (s *PostgresCatalog) CountTransitions(ctx context.Context, submissionID string, status domain.SubmissionStatus) (int64, error) {
	var count int64
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM status_transitions WHERE submission_id = $1 AND status = $2
	`, submissionID, status)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count transitions: %w", err)
	}
	return count, nil
}
