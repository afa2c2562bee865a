package worker

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"constituency-export/internal/models"
	"constituency-export/internal/query"
	"constituency-export/internal/voters"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestExportCountMatchesStreamedRows(t *testing.T) {
	h := newHarness(t, voters.NewMemorySource(sampleVoters(60)), Options{CheckpointRows: 3})
	job := h.submit(models.FormatCSV, query.FilterSpec{Gender: ptr("F"), HasPhone: ptr(true)}, "name", "mobile")

	outcome := h.exporter.Run(context.Background(), job.ID)
	require.Equal(t, OutcomeCompleted, outcome)

	got := h.get(job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.ProgressPercent)
	require.NotNil(t, got.TotalRecords)
	require.NotNil(t, got.ProcessedRecords)
	assert.EqualValues(t, 10, *got.TotalRecords)
	assert.EqualValues(t, 10, *got.ProcessedRecords)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.ArtifactName)
	assert.Equal(t, "voters_20240301-090507_"+job.ID[:8]+".csv", *got.ArtifactName)
	assert.NotNil(t, got.ArtifactSizeKB)

	records := readCSV(t, *got.ArtifactLocation)
	require.Len(t, records, 11)
	assert.Equal(t, []string{"Name", "Mobile"}, records[0])
	for _, r := range records[1:] {
		assert.NotEmpty(t, r[1], "every exported voter has a phone")
	}
	assert.Equal(t, []string{job.ID}, h.leaser.acked)
}

func TestExportEmptySelectionUsesAllRegistryColumns(t *testing.T) {
	h := newHarness(t, voters.NewMemorySource(sampleVoters(5)), Options{})
	job := h.submit(models.FormatCSV, query.FilterSpec{})

	require.Equal(t, OutcomeCompleted, h.exporter.Run(context.Background(), job.ID))

	var want []string
	for _, c := range voters.DefaultRegistry().Columns() {
		want = append(want, c.Label)
	}
	records := readCSV(t, *h.get(job.ID).ArtifactLocation)
	assert.Equal(t, want, records[0])
	assert.Len(t, records, 6)
}

func TestExportExplicitColumnsKeepOrder(t *testing.T) {
	h := newHarness(t, voters.NewMemorySource(sampleVoters(2)), Options{})
	job := h.submit(models.FormatCSV, query.FilterSpec{}, "age", "bogus", "name", "age")

	require.Equal(t, OutcomeCompleted, h.exporter.Run(context.Background(), job.ID))

	records := readCSV(t, *h.get(job.ID).ArtifactLocation)
	assert.Equal(t, []string{"Age", "Name"}, records[0])
	assert.Equal(t, []string{"19", "Voter 1"}, records[1])
}

func TestExportProgressIsMonotonicAndBelowHundred(t *testing.T) {
	h := newHarness(t, voters.NewMemorySource(sampleVoters(100)), Options{CheckpointRows: 10})
	job := h.submit(models.FormatExcel, query.FilterSpec{})

	require.Equal(t, OutcomeCompleted, h.exporter.Run(context.Background(), job.ID))

	require.Len(t, h.store.percents, 9)
	for i := 1; i < len(h.store.percents); i++ {
		assert.GreaterOrEqual(t, h.store.percents[i], h.store.percents[i-1])
	}
	assert.Equal(t, 10, h.store.percents[0])
	assert.Equal(t, 90, h.store.percents[8])
	assert.Equal(t, 100, h.get(job.ID).ProgressPercent)
	assert.GreaterOrEqual(t, h.leaser.extended, 9)
}

func TestExportDeletedWhileProcessingLeavesNothing(t *testing.T) {
	h := newHarness(t, voters.NewMemorySource(sampleVoters(100)), Options{CheckpointRows: 10})
	job := h.submit(models.FormatCSV, query.FilterSpec{})

	h.store.beforeCheck = func(n int) {
		if n == 2 {
			res, err := h.store.RequestDelete(context.Background(), job.ID)
			require.NoError(t, err)
			require.True(t, res.Deferred)
		}
	}

	outcome := h.exporter.Run(context.Background(), job.ID)
	assert.Equal(t, OutcomeCancelled, outcome)

	assert.Equal(t, 2, h.store.checkCalls, "progress stops at the first checkpoint after the delete")
	assert.False(t, h.store.Exists(job.ID))
	assert.Empty(t, h.files())
}

func TestExportDeletedBeforeCompletionRemovesArtifact(t *testing.T) {
	// Five rows never reach a checkpoint, so the delete is only seen at completion.
	h := newHarness(t, voters.NewMemorySource(sampleVoters(5)), Options{CheckpointRows: 100})
	job := h.submit(models.FormatReport, query.FilterSpec{})

	src := wrapSource{inner: h.source, wrap: func(r voters.Reader) voters.Reader {
		return readerFuncs{Reader: r, stream: func(ctx context.Context, q voters.Query, fn func(voters.Row) error) error {
			err := r.Stream(ctx, q, fn)
			_, derr := h.store.RequestDelete(context.Background(), job.ID)
			require.NoError(t, derr)
			return err
		}}
	}}
	h.exporter.source = src

	assert.Equal(t, OutcomeCancelled, h.exporter.Run(context.Background(), job.ID))
	assert.False(t, h.store.Exists(job.ID))
	assert.Empty(t, h.files())
}

func TestExportSkipsJobDeletedBeforeAdmission(t *testing.T) {
	h := newHarness(t, voters.NewMemorySource(sampleVoters(5)), Options{})
	job := h.submit(models.FormatCSV, query.FilterSpec{})
	_, err := h.store.RequestDelete(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkipped, h.exporter.Run(context.Background(), job.ID))
	assert.Equal(t, []string{job.ID}, h.leaser.acked)
	assert.Empty(t, h.files())
}

func TestExportReportCeilingFailsWithUserMessage(t *testing.T) {
	h := newHarness(t, voters.NewMemorySource(sampleVoters(10)), Options{ReportMaxRows: 5})
	job := h.submit(models.FormatReport, query.FilterSpec{})

	assert.Equal(t, OutcomeFailed, h.exporter.Run(context.Background(), job.ID))

	got := h.get(job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "limited to 5 rows")
	assert.EqualValues(t, 10, *got.TotalRecords)
	assert.Nil(t, got.ArtifactLocation)
	assert.Empty(t, h.files())
}

func TestExportSourceFailureIsSanitized(t *testing.T) {
	h := newHarness(t, failingSource{}, Options{})
	job := h.submit(models.FormatCSV, query.FilterSpec{})

	assert.Equal(t, OutcomeFailed, h.exporter.Run(context.Background(), job.ID))

	got := h.get(job.ID)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, msgSource, *got.ErrorMessage)
	assert.NotContains(t, *got.ErrorMessage, "10.0.0.12")
}

func TestExportPanicIsContained(t *testing.T) {
	src := wrapSource{inner: voters.NewMemorySource(sampleVoters(3)), wrap: func(r voters.Reader) voters.Reader {
		return readerFuncs{Reader: r, stream: func(context.Context, voters.Query, func(voters.Row) error) error {
			panic("nil map write")
		}}
	}}
	h := newHarness(t, src, Options{})
	job := h.submit(models.FormatCSV, query.FilterSpec{})

	assert.Equal(t, OutcomeFailed, h.exporter.Run(context.Background(), job.ID))
	got := h.get(job.ID)
	assert.Equal(t, msgInternal, *got.ErrorMessage)
	assert.Empty(t, h.files())
}

func TestExportFailsWhenRecordsChangeUnderneath(t *testing.T) {
	src := wrapSource{inner: voters.NewMemorySource(sampleVoters(10)), wrap: func(r voters.Reader) voters.Reader {
		return readerFuncs{Reader: r, count: func(context.Context, voters.Query) (int64, error) { return 4, nil }}
	}}
	h := newHarness(t, src, Options{})
	job := h.submit(models.FormatCSV, query.FilterSpec{})

	assert.Equal(t, OutcomeFailed, h.exporter.Run(context.Background(), job.ID))
	got := h.get(job.ID)
	assert.Equal(t, msgChanged, *got.ErrorMessage)
	assert.Empty(t, h.files())
}

func TestExportToleratesCheckpointFailures(t *testing.T) {
	h := newHarness(t, voters.NewMemorySource(sampleVoters(30)), Options{CheckpointRows: 10, CheckpointRetries: 2})
	h.store.failChecks = true
	job := h.submit(models.FormatCSV, query.FilterSpec{})

	assert.Equal(t, OutcomeCompleted, h.exporter.Run(context.Background(), job.ID))
	// Two checkpoints (10, 20), each tried once plus two retries.
	assert.Equal(t, 6, h.store.checkCalls)
	assert.Equal(t, models.StatusCompleted, h.get(job.ID).Status)
}

func TestExportInterruptedByShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := wrapSource{inner: voters.NewMemorySource(sampleVoters(10)), wrap: func(r voters.Reader) voters.Reader {
		return readerFuncs{Reader: r, stream: func(ctx context.Context, q voters.Query, fn func(voters.Row) error) error {
			cancel()
			return r.Stream(ctx, q, fn)
		}}
	}}
	h := newHarness(t, src, Options{})
	job := h.submit(models.FormatCSV, query.FilterSpec{})

	assert.Equal(t, OutcomeFailed, h.exporter.Run(ctx, job.ID))
	assert.Equal(t, msgInterrupted, *h.get(job.ID).ErrorMessage)
	assert.Empty(t, h.files())
}

func TestExportErrorMessageIsBounded(t *testing.T) {
	h := newHarness(t, voters.NewMemorySource(sampleVoters(10)), Options{ReportMaxRows: 1, ErrorMessageMax: 20})
	job := h.submit(models.FormatReport, query.FilterSpec{})

	h.exporter.Run(context.Background(), job.ID)
	msg := *h.get(job.ID).ErrorMessage
	assert.LessOrEqual(t, len([]rune(msg)), 20)
	assert.True(t, strings.HasSuffix(msg, "..."))
}

func TestCheckpointInterval(t *testing.T) {
	assert.EqualValues(t, 500, checkpointInterval(1000, 500, 2))
	assert.EqualValues(t, 2000, checkpointInterval(100_000, 500, 2))
	assert.EqualValues(t, 501, checkpointInterval(25_001, 500, 2))
	assert.EqualValues(t, 1, checkpointInterval(0, 0, 0))
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 0, progressPercent(0, 100))
	assert.Equal(t, 0, progressPercent(10, 0))
	assert.Equal(t, 33, progressPercent(1, 3))
	assert.Equal(t, 99, progressPercent(100, 100))
}

func TestFileName(t *testing.T) {
	at := time.Date(2024, 12, 31, 23, 59, 1, 0, time.FixedZone("IST", 5*3600+1800))
	assert.Equal(t, "voters_20241231-182901_abcdef01.html", fileName("abcdef01-2345", at, "html"))
	assert.Equal(t, "voters_20241231-182901_short.csv", fileName("short", at, "csv"))
}

func TestDescribe(t *testing.T) {
	reason, msg := describe(public(reasonArtifact, msgArtifact, errors.New("disk full")))
	assert.Equal(t, reasonArtifact, reason)
	assert.Equal(t, msgArtifact, msg)

	reason, msg = describe(context.Canceled)
	assert.Equal(t, reasonInterrupted, reason)
	assert.Equal(t, msgInterrupted, msg)

	reason, msg = describe(errors.New("pq: relation does not exist"))
	assert.Equal(t, reasonInternal, reason)
	assert.Equal(t, msgInternal, msg)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "मतदाता...", truncate("मतदाता सूची निर्यात", 9))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
