package recognition

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sort"

	"icr-worker/internal/domain"
)

var DefaultLetters = []string{"A", "B", "C", "D", "E"}

// ArtifactStore persists rendered crops and returns where they were saved.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, name string, content []byte) (string, error)
}

// Adapter turns a page image into a NormalResult. Failures the engine
// classifies as unparseable input come back as *domain.RecognitionError; a
// missing source file is returned wrapping fs.ErrNotExist.
type Adapter struct {
	Engine        Engine
	Artifacts     ArtifactStore
	QuestionCount int
	// Labels is used when the engine does not return its own enumeration.
	Labels []domain.Label
	Logger *slog.Logger
}

func NewAdapter(engine Engine, artifacts ArtifactStore, questionCount int, logger *slog.Logger) *Adapter {
	if questionCount <= 0 {
		questionCount = domain.DefaultQuestionCount
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		Engine:        engine,
		Artifacts:     artifacts,
		QuestionCount: questionCount,
		Labels:        domain.AnswerSheetLabels(questionCount, DefaultLetters),
		Logger:        logger,
	}
}

func (a *Adapter) Recognize(ctx context.Context, job domain.Job) (domain.NormalResult, error) {
	raw, err := os.ReadFile(job.ImagePath)
	if err != nil {
		return domain.NormalResult{}, fmt.Errorf("read page image: %w", err)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(raw)); err != nil {
		return domain.NormalResult{}, domain.NewRecognitionError("decode", err)
	}

	pred, err := a.Engine.Predict(ctx, raw)
	if err != nil {
		return domain.NormalResult{}, err
	}

	labels := pred.Labels
	if len(labels) == 0 {
		labels = a.Labels
	}
	answers, err := domain.BuildAnswers(labels, pred.Predictions, a.QuestionCount)
	if err != nil {
		return domain.NormalResult{}, domain.NewRecognitionError("align", err)
	}

	paths, err := a.saveCrops(ctx, job, pred.Crops)
	if err != nil {
		return domain.NormalResult{}, err
	}
	return domain.NormalResult{Answers: answers, ArtifactPaths: paths}, nil
}

func (a *Adapter) saveCrops(ctx context.Context, job domain.Job, crops map[domain.ArtifactKind]string) (map[domain.ArtifactKind]string, error) {
	paths := make(map[domain.ArtifactKind]string, len(crops))
	if a.Artifacts == nil || len(crops) == 0 {
		return paths, nil
	}

	kinds := make([]string, 0, len(crops))
	for kind := range crops {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	for _, k := range kinds {
		kind := domain.ArtifactKind(k)
		content, err := renderCrop(crops[kind])
		if err != nil {
			return nil, domain.NewRecognitionError("render "+k, err)
		}
		name := domain.ArtifactName(job.SubmissionID, job.PageIndex, kind)
		location, err := a.Artifacts.SaveArtifact(ctx, name, content)
		if err != nil {
			return nil, fmt.Errorf("save artifact %s: %w", name, err)
		}
		a.Logger.Debug("saved artifact", "job_id", job.ID, "kind", k, "location", location)
		paths[kind] = location
	}
	return paths, nil
}
