package store

import (
	"errors"

	"constituency-export/internal/query"
)

// ErrNotFound is returned for unknown or deleted job ids.
var ErrNotFound = errors.New("export job not found")

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type            string
	Format          string
	CreatedBy       string
	Filters         query.FilterSpec
	SelectedColumns []string
}

// DeleteResult tells the caller what a delete request did.
type DeleteResult struct {
	// Deferred is set when the job was processing: it is now flagged for
	// cancellation and its worker removes it at the next checkpoint.
	Deferred bool
	// PrevStatus is the status the job had when the delete arrived.
	PrevStatus string
	// ArtifactLocation is the artifact the caller must remove, if any.
	ArtifactLocation *string
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}
