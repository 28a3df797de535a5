package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalArtifacts writes artifacts into a directory on the worker host.
type LocalArtifacts struct {
	dir string
}

func NewLocalArtifacts(dir string) (*LocalArtifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalArtifacts{dir: dir}, nil
}

// SaveArtifact writes through a temp file and rename so readers never see a
// partial image.
func (l *LocalArtifacts) SaveArtifact(ctx context.Context, name string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	final := filepath.Join(l.dir, filepath.Base(name))
	tmp, err := os.CreateTemp(l.dir, ".artifact-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return final, nil
}
