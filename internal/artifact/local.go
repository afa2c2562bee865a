package artifact

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"constituency-export/internal/models"
)

// Local keeps artifacts on the filesystem under baseDir/<jobID>/<name>.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "./exports"
	}
	// Locations are persisted, so they must not depend on the working dir.
	if abs, err := filepath.Abs(baseDir); err == nil {
		baseDir = abs
	}
	return &Local{baseDir: baseDir}
}

func (l *Local) Create(_ context.Context, jobID, name, _ string) (Writer, error) {
	final, err := l.path(filepath.Join(jobID, name))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.Create(final + ".part")
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	return &localWriter{f: f, buf: bufio.NewWriterSize(f, 64<<10), final: final, name: name}, nil
}

func (l *Local) Delete(_ context.Context, location string) error {
	p, err := l.contained(location)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	// The per-job directory is empty now; ignore failure if it is not.
	_ = os.Remove(filepath.Dir(p))
	return nil
}

func (l *Local) Resolve(_ context.Context, location, _ string) (Download, error) {
	p, err := l.contained(location)
	if err != nil {
		return Download{}, err
	}
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return Download{}, ErrNotFound
	} else if err != nil {
		return Download{}, fmt.Errorf("stat artifact: %w", err)
	}
	return Download{Path: p}, nil
}

func (l *Local) path(rel string) (string, error) {
	rel = filepath.Clean(rel)
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes base dir", rel)
	}
	return filepath.Join(l.baseDir, rel), nil
}

// contained rejects locations outside baseDir so a tampered record cannot
// point deletes or downloads at arbitrary files.
func (l *Local) contained(location string) (string, error) {
	base, err := filepath.Abs(l.baseDir)
	if err != nil {
		return "", err
	}
	p, err := filepath.Abs(location)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(p, base+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact location %q is outside %s", location, l.baseDir)
	}
	return p, nil
}

type localWriter struct {
	f     *os.File
	buf   *bufio.Writer
	final string
	name  string
	size  int64
	done  bool
}

func (w *localWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *localWriter) Commit(_ context.Context) (models.Artifact, error) {
	if w.done {
		return models.Artifact{}, errors.New("artifact already finalized")
	}
	w.done = true
	if err := w.buf.Flush(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.f.Name())
		return models.Artifact{}, fmt.Errorf("flush artifact: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.f.Name())
		return models.Artifact{}, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(w.f.Name(), w.final); err != nil {
		_ = os.Remove(w.f.Name())
		return models.Artifact{}, fmt.Errorf("publish artifact: %w", err)
	}
	return models.Artifact{Location: w.final, Name: w.name, SizeBytes: w.size}, nil
}

func (w *localWriter) Abort(_ context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	if err := os.Remove(w.f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial artifact: %w", err)
	}
	_ = os.Remove(filepath.Dir(w.final))
	return nil
}
