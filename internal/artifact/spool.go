package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"constituency-export/internal/models"
)

// uploadFunc publishes a spooled file and returns its location.
type uploadFunc func(ctx context.Context, body io.Reader, size int64) (string, error)

// spoolWriter buffers output in a temp file so object stores receive a
// single sized PutObject on Commit instead of a half-written object.
type spoolWriter struct {
	f      *os.File
	name   string
	size   int64
	upload uploadFunc
	done   bool
}

func newSpoolWriter(name string, upload uploadFunc) (*spoolWriter, error) {
	f, err := os.CreateTemp("", "export-*.part")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return &spoolWriter{f: f, name: name, upload: upload}, nil
}

func (w *spoolWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *spoolWriter) Commit(ctx context.Context) (models.Artifact, error) {
	if w.done {
		return models.Artifact{}, errors.New("artifact already finalized")
	}
	w.done = true
	defer w.cleanup()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return models.Artifact{}, fmt.Errorf("rewind spool file: %w", err)
	}
	location, err := w.upload(ctx, w.f, w.size)
	if err != nil {
		return models.Artifact{}, err
	}
	return models.Artifact{Location: location, Name: w.name, SizeBytes: w.size}, nil
}

func (w *spoolWriter) Abort(context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	w.cleanup()
	return nil
}

func (w *spoolWriter) cleanup() {
	_ = w.f.Close()
	_ = os.Remove(w.f.Name())
}
