package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"constituency-export/internal/artifact"
	"constituency-export/internal/models"
	"constituency-export/internal/query"
	"constituency-export/internal/store"
	"constituency-export/internal/voters"
)

// sampleVoters builds n voters. Even serials are female, every third has a
// phone, so gender=F with a phone matches n/6 of them.
func sampleVoters(n int) []voters.Record {
	recs := make([]voters.Record, 0, n)
	for i := 1; i <= n; i++ {
		gender := "M"
		if i%2 == 0 {
			gender = "F"
		}
		var mobile any
		if i%3 == 0 {
			mobile = fmt.Sprintf("98%08d", i)
		}
		recs = append(recs, voters.Record{
			"serial_no":     int64(i),
			"epic_no":       fmt.Sprintf("EPC%06d", i),
			"name":          fmt.Sprintf("Voter %d", i),
			"relation_name": "Parent",
			"gender":        gender,
			"age":           int64(18 + i%60),
			"house_no":      fmt.Sprintf("%d", i%40),
			"address":       "Main Road",
			"area_code":     "101",
			"ward_code":     "7",
			"booth_name":    "Govt School",
			"mobile":        mobile,
			"religion":      "Hindu",
			"caste":         "",
			"voted":         i%4 == 0,
		})
	}
	return recs
}

type fakeLeaser struct {
	mu       sync.Mutex
	extended int
	acked    []string
}

func (l *fakeLeaser) ExtendLease(context.Context, string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extended++
	return true, nil
}

func (l *fakeLeaser) Ack(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acked = append(l.acked, id)
	return nil
}

// recordingStore wraps the in-memory store to observe checkpoints and to
// inject behaviour before they are applied.
type recordingStore struct {
	*store.Memory
	mu          sync.Mutex
	percents    []int
	processed   []int64
	beforeCheck func(n int)
	failChecks  bool
	checkCalls  int
}

func (s *recordingStore) Checkpoint(ctx context.Context, id string, processed int64, percent int) (bool, error) {
	s.mu.Lock()
	s.checkCalls++
	n := s.checkCalls
	hook := s.beforeCheck
	fail := s.failChecks
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if fail {
		return false, fmt.Errorf("checkpoint: connection reset")
	}
	s.mu.Lock()
	s.percents = append(s.percents, percent)
	s.processed = append(s.processed, processed)
	s.mu.Unlock()
	return s.Memory.Checkpoint(ctx, id, processed, percent)
}

type harness struct {
	t        *testing.T
	store    *recordingStore
	leaser   *fakeLeaser
	source   voters.Source
	dir      string
	sink     *artifact.Local
	exporter *Exporter
}

func newHarness(t *testing.T, src voters.Source, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		t:      t,
		store:  &recordingStore{Memory: store.NewMemory()},
		leaser: &fakeLeaser{},
		source: src,
		dir:    dir,
		sink:   artifact.NewLocal(dir),
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = time.Millisecond
		opts.BackoffMax = 2 * time.Millisecond
	}
	h.exporter = NewExporter(h.store, h.leaser, src, h.sink, voters.DefaultRegistry(), opts)
	h.exporter.now = func() time.Time { return time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC) }
	return h
}

func (h *harness) submit(format string, filters query.FilterSpec, columns ...string) models.ExportJob {
	h.t.Helper()
	job, err := h.store.Create(context.Background(), store.CreateJobParams{
		Type:            models.TypeVoters,
		Format:          format,
		Filters:         filters,
		SelectedColumns: columns,
	})
	require.NoError(h.t, err)
	return job
}

func (h *harness) get(id string) models.ExportJob {
	h.t.Helper()
	job, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return job
}

// files lists every regular file left under the artifact dir.
func (h *harness) files() []string {
	h.t.Helper()
	var out []string
	err := filepath.WalkDir(h.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	require.NoError(h.t, err)
	return out
}

// failingSource fails to open with an error that must never reach operators.
type failingSource struct{}

func (failingSource) Open(context.Context) (voters.Reader, error) {
	return nil, fmt.Errorf("dial tcp 10.0.0.12:5432: password authentication failed for user \"svc\"")
}

// wrapSource decorates readers opened from an inner source.
type wrapSource struct {
	inner voters.Source
	wrap  func(voters.Reader) voters.Reader
}

func (s wrapSource) Open(ctx context.Context) (voters.Reader, error) {
	r, err := s.inner.Open(ctx)
	if err != nil {
		return nil, err
	}
	return s.wrap(r), nil
}

type readerFuncs struct {
	voters.Reader
	count  func(ctx context.Context, q voters.Query) (int64, error)
	stream func(ctx context.Context, q voters.Query, fn func(voters.Row) error) error
}

func (r readerFuncs) Count(ctx context.Context, q voters.Query) (int64, error) {
	if r.count != nil {
		return r.count(ctx, q)
	}
	return r.Reader.Count(ctx, q)
}

func (r readerFuncs) Stream(ctx context.Context, q voters.Query, fn func(voters.Row) error) error {
	if r.stream != nil {
		return r.stream(ctx, q, fn)
	}
	return r.Reader.Stream(ctx, q, fn)
}

// gatedSource blocks every stream until the gate is closed.
func gatedSource(inner voters.Source, gate <-chan struct{}) voters.Source {
	return wrapSource{inner: inner, wrap: func(r voters.Reader) voters.Reader {
		return readerFuncs{Reader: r, stream: func(ctx context.Context, q voters.Query, fn func(voters.Row) error) error {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
			return r.Stream(ctx, q, fn)
		}}
	}}
}

func ptr[T any](v T) *T { return &v }
