package models

import (
	"fmt"
	"time"

	"constituency-export/internal/query"
)

// Status values persisted in Postgres. pending -> processing -> completed | failed.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// TypeVoters is the only dataset kind currently exported.
const TypeVoters = "voters"

// Output formats.
const (
	FormatCSV    = "csv"    // delimited text
	FormatExcel  = "excel"  // spreadsheet-compatible text
	FormatReport = "report" // printable report
)

// ValidFormat reports whether f names a known output format.
func ValidFormat(f string) bool {
	switch f {
	case FormatCSV, FormatExcel, FormatReport:
		return true
	}
	return false
}

// ExportJob is one asynchronous export request and its tracked lifecycle.
type ExportJob struct {
	ID               string           `json:"id"`
	Type             string           `json:"type"`
	Format           string           `json:"format"`
	Status           string           `json:"status"`
	ProgressPercent  int              `json:"progressPercent"`
	TotalRecords     *int64           `json:"totalRecords"`
	ProcessedRecords *int64           `json:"processedRecords"`
	Filters          query.FilterSpec `json:"filters"`
	SelectedColumns  []string         `json:"selectedColumns"`
	ArtifactLocation *string          `json:"-"`
	ArtifactName     *string          `json:"artifactName"`
	ArtifactSizeKB   *int64           `json:"artifactSizeKb"`
	DownloadURL      *string          `json:"downloadUrl,omitempty"`
	ErrorMessage     *string          `json:"errorMessage"`
	CreatedBy        string           `json:"createdBy"`
	CancelRequested  bool             `json:"-"`
	CreatedAt        time.Time        `json:"createdAt"`
	StartedAt        *time.Time       `json:"startedAt,omitempty"`
	CompletedAt      *time.Time       `json:"completedAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Terminal reports whether the job can no longer change state.
func (j ExportJob) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// WithDownloadURL fills DownloadURL for completed jobs.
func (j ExportJob) WithDownloadURL() ExportJob {
	if j.Status == StatusCompleted && j.ArtifactLocation != nil {
		u := fmt.Sprintf("/exports/%s/download", j.ID)
		j.DownloadURL = &u
	}
	return j
}

// Artifact is the result of a finished serializer.
type Artifact struct {
	Location  string
	Name      string
	SizeBytes int64
}

// SizeKB rounds up so a non-empty artifact never reports 0.
func (a Artifact) SizeKB() int64 {
	return (a.SizeBytes + 1023) / 1024
}
