package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"constituency-export/internal/models"
)

// Memory is an in-process job store with the same semantics as Postgres.
// It backs unit tests and single-binary development runs.
type Memory struct {
	mu   sync.Mutex
	seq  int64
	jobs map[string]*memJob
	now  func() time.Time
}

type memJob struct {
	seq int64
	job models.ExportJob
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*memJob), now: func() time.Time { return time.Now().UTC() }}
}

func (m *Memory) Create(_ context.Context, p CreateJobParams) (models.ExportJob, error) {
	if p.SelectedColumns == nil {
		p.SelectedColumns = []string{}
	}
	if p.CreatedBy == "" {
		p.CreatedBy = "anonymous"
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	now := m.now()
	job := models.ExportJob{
		ID:              uuid.New().String(),
		Type:            p.Type,
		Format:          p.Format,
		Status:          models.StatusPending,
		Filters:         p.Filters,
		SelectedColumns: append([]string(nil), p.SelectedColumns...),
		CreatedBy:       p.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.jobs[job.ID] = &memJob{seq: m.seq, job: job}
	return job, nil
}

func (m *Memory) Get(_ context.Context, id string) (models.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.job.CancelRequested {
		return models.ExportJob{}, ErrNotFound
	}
	return j.job, nil
}

func (m *Memory) List(_ context.Context, limit int) ([]models.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	visible := make([]*memJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		if !j.job.CancelRequested {
			visible = append(visible, j)
		}
	}
	sort.Slice(visible, func(a, b int) bool {
		if !visible[a].job.CreatedAt.Equal(visible[b].job.CreatedAt) {
			return visible[a].job.CreatedAt.After(visible[b].job.CreatedAt)
		}
		return visible[a].seq > visible[b].seq
	})

	limit = clampLimit(limit)
	if len(visible) > limit {
		visible = visible[:limit]
	}
	out := make([]models.ExportJob, 0, len(visible))
	for _, j := range visible {
		out = append(out, j.job)
	}
	return out, nil
}

func (m *Memory) Claim(_ context.Context, id string) (models.ExportJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.job.Status != models.StatusPending || j.job.CancelRequested {
		return models.ExportJob{}, false, nil
	}
	now := m.now()
	j.job.Status = models.StatusProcessing
	j.job.StartedAt = &now
	j.job.UpdatedAt = now
	return j.job, true, nil
}

func (m *Memory) SetTotal(_ context.Context, id string, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.job.Status == models.StatusProcessing {
		j.job.TotalRecords = &total
		j.job.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) Checkpoint(_ context.Context, id string, processed int64, percent int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.job.Status != models.StatusProcessing {
		return true, nil
	}
	if j.job.ProcessedRecords == nil || *j.job.ProcessedRecords < processed {
		p := processed
		j.job.ProcessedRecords = &p
	}
	if percent > j.job.ProgressPercent {
		j.job.ProgressPercent = percent
	}
	j.job.UpdatedAt = m.now()
	return j.job.CancelRequested, nil
}

func (m *Memory) Complete(_ context.Context, id string, processed int64, a models.Artifact) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.job.Status != models.StatusProcessing || j.job.CancelRequested {
		return false, nil
	}
	now := m.now()
	total := maxPtr(j.job.TotalRecords, processed)
	done := maxPtr(j.job.ProcessedRecords, processed)
	loc, name, size := a.Location, a.Name, a.SizeKB()

	j.job.Status = models.StatusCompleted
	j.job.ProgressPercent = 100
	j.job.TotalRecords = &total
	j.job.ProcessedRecords = &done
	j.job.ArtifactLocation = &loc
	j.job.ArtifactName = &name
	j.job.ArtifactSizeKB = &size
	j.job.ErrorMessage = nil
	j.job.CompletedAt = &now
	j.job.UpdatedAt = now
	return true, nil
}

func (m *Memory) Fail(_ context.Context, id string, msg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.job.Terminal() {
		return false, nil
	}
	now := m.now()
	j.job.Status = models.StatusFailed
	j.job.ErrorMessage = &msg
	j.job.CompletedAt = &now
	j.job.UpdatedAt = now
	return j.job.CancelRequested, nil
}

func (m *Memory) RequestDelete(_ context.Context, id string) (DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.job.CancelRequested {
		return DeleteResult{}, ErrNotFound
	}
	res := DeleteResult{PrevStatus: j.job.Status}
	if j.job.Status == models.StatusProcessing {
		res.Deferred = true
		j.job.CancelRequested = true
		j.job.UpdatedAt = m.now()
		return res, nil
	}
	res.ArtifactLocation = j.job.ArtifactLocation
	delete(m.jobs, id)
	return res, nil
}

func (m *Memory) Purge(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.job.CancelRequested {
		delete(m.jobs, id)
	}
	return nil
}

func (m *Memory) StalePending(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stale := make([]*memJob, 0)
	for _, j := range m.jobs {
		if j.job.Status == models.StatusPending && !j.job.CancelRequested && j.job.CreatedAt.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	sort.Slice(stale, func(a, b int) bool { return stale[a].seq < stale[b].seq })

	limit = clampLimit(limit)
	if len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]string, 0, len(stale))
	for _, j := range stale {
		ids = append(ids, j.job.ID)
	}
	return ids, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Exists reports whether any record, visible or not, is stored under id.
func (m *Memory) Exists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[id]
	return ok
}

func maxPtr(cur *int64, v int64) int64 {
	if cur != nil && *cur > v {
		return *cur
	}
	return v
}
