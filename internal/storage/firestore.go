package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"icr-worker/internal/domain"
)

const firestoreStoreName = "firestore"

// FirestoreCatalog keeps submission status documents in one collection and
// page results in another, mirroring the pdfs/answers layout.
type FirestoreCatalog struct {
	client      *firestore.Client
	submissions string
	answers     string
}

func NewFirestoreCatalog(ctx context.Context, projectID, submissions, answers string) (*FirestoreCatalog, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return NewFirestoreCatalogWithClient(client, submissions, answers), nil
}

func NewFirestoreCatalogWithClient(client *firestore.Client, submissions, answers string) *FirestoreCatalog {
	if submissions == "" {
		submissions = "pdfs"
	}
	if answers == "" {
		answers = "answers"
	}
	return &FirestoreCatalog{client: client, submissions: submissions, answers: answers}
}

func (f *FirestoreCatalog) Close() error {
	return f.client.Close()
}

func (f *FirestoreCatalog) Ping(ctx context.Context) error {
	it := f.client.Collection(f.submissions).Limit(1).Documents(ctx)
	defer it.Stop()
	_, err := it.Next()
	if err == iterator.Done {
		return nil
	}
	return domain.CatalogError(firestoreStoreName, "ping", err)
}

type submissionDoc struct {
	Status    string    `firestore:"status"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// SetStatus applies the same guard as the Postgres catalog inside a
// transaction: terminal statuses are never replaced.
func (f *FirestoreCatalog) SetStatus(ctx context.Context, submissionID string, next domain.SubmissionStatus) error {
	ref := f.client.Collection(f.submissions).Doc(submissionID)
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			var cur submissionDoc
			if err := snap.DataTo(&cur); err != nil {
				return err
			}
			current := domain.SubmissionStatus(cur.Status)
			if current == next || current.Terminal() {
				return nil
			}
		}
		return tx.Set(ref, map[string]any{
			"status":     string(next),
			"updated_at": time.Now().UTC(),
		}, firestore.MergeAll)
	})
	return domain.CatalogError(firestoreStoreName, "set status", err)
}

func (f *FirestoreCatalog) GetStatus(ctx context.Context, submissionID string) (domain.SubmissionRecord, error) {
	snap, err := f.client.Collection(f.submissions).Doc(submissionID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return domain.SubmissionRecord{}, fmt.Errorf("submission %s: %w", submissionID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.SubmissionRecord{}, domain.CatalogError(firestoreStoreName, "get status", err)
	}
	var doc submissionDoc
	if err := snap.DataTo(&doc); err != nil {
		return domain.SubmissionRecord{}, fmt.Errorf("decode submission %s: %w", submissionID, err)
	}
	return domain.SubmissionRecord{ID: submissionID, Status: domain.SubmissionStatus(doc.Status), UpdatedAt: doc.UpdatedAt}, nil
}

// UpsertPageResult uses a deterministic document id so a redelivered page
// replaces its earlier result.
func (f *FirestoreCatalog) UpsertPageResult(ctx context.Context, rec domain.PageRecord) error {
	_, err := f.client.Collection(f.answers).Doc(pageDocID(rec.SubmissionID, rec.PageIndex)).Set(ctx, rec)
	return domain.CatalogError(firestoreStoreName, "upsert page result", err)
}

func (f *FirestoreCatalog) HasPageResult(ctx context.Context, submissionID string, pageIndex int) (bool, error) {
	_, err := f.client.Collection(f.answers).Doc(pageDocID(submissionID, pageIndex)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, domain.CatalogError(firestoreStoreName, "lookup page result", err)
	}
	return true, nil
}

// pageDocID makes page results addressable by (submission, page).
func pageDocID(submissionID string, pageIndex int) string {
	return fmt.Sprintf("%s__%d", submissionID, pageIndex)
}

func (f *FirestoreCatalog) ListPages(ctx context.Context, submissionID string) ([]domain.PageRecord, error) {
	it := f.client.Collection(f.answers).Where("UUID", "==", submissionID).Documents(ctx)
	defer it.Stop()

	pages := make([]domain.PageRecord, 0)
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, domain.CatalogError(firestoreStoreName, "list pages", err)
		}
		var rec domain.PageRecord
		if err := snap.DataTo(&rec); err != nil {
			return nil, fmt.Errorf("decode page %s: %w", snap.Ref.ID, err)
		}
		pages = append(pages, rec)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageIndex < pages[j].PageIndex })
	return pages, nil
}
