//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"constituency-export/internal/models"
	"constituency-export/internal/query"
)

type PostgresSuite struct {
	suite.Suite
	container *tcpostgres.PostgresContainer
	store     *Postgres
}

func TestPostgresSuite(t *testing.T) {
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("exports"),
		tcpostgres.WithUsername("exports"),
		tcpostgres.WithPassword("exports"),
		tcpostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)
	pool, err := Connect(ctx, dsn)
	s.Require().NoError(err)
	s.store = NewPostgres(pool)
	s.Require().NoError(s.store.RunMigrations(ctx))
	// Migrations must be re-runnable on every boot.
	s.Require().NoError(s.store.RunMigrations(ctx))
}

func (s *PostgresSuite) TearDownSuite() {
	if s.store != nil {
		s.store.pool.Close()
	}
	if s.container != nil {
		_ = testcontainers.TerminateContainer(s.container)
	}
}

func (s *PostgresSuite) SetupTest() {
	_, err := s.store.pool.Exec(context.Background(), `TRUNCATE export_jobs`)
	s.Require().NoError(err)
}

func (s *PostgresSuite) create() models.ExportJob {
	minAge := 30
	job, err := s.store.Create(context.Background(), CreateJobParams{
		Type:            models.TypeVoters,
		Format:          models.FormatExcel,
		CreatedBy:       "op-7",
		Filters:         query.FilterSpec{AreaCodes: []string{"101"}, MinAge: &minAge},
		SelectedColumns: []string{"name", "age"},
	})
	s.Require().NoError(err)
	return job
}

func (s *PostgresSuite) TestCreateAndGetRoundTrip() {
	ctx := context.Background()
	job := s.create()

	got, err := s.store.Get(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, got.Status)
	s.Equal("op-7", got.CreatedBy)
	s.Equal([]string{"101"}, got.Filters.AreaCodes)
	s.Equal(30, *got.Filters.MinAge)
	s.Equal([]string{"name", "age"}, got.SelectedColumns)
	s.Nil(got.TotalRecords)
	s.Nil(got.ArtifactName)
}

func (s *PostgresSuite) TestGetUnknown() {
	_, err := s.store.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	s.ErrorIs(err, ErrNotFound)
}

func (s *PostgresSuite) TestListMostRecentFirst() {
	ctx := context.Background()
	first := s.create()
	time.Sleep(5 * time.Millisecond)
	second := s.create()

	jobs, err := s.store.List(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(jobs, 2)
	s.Equal(second.ID, jobs[0].ID)
	s.Equal(first.ID, jobs[1].ID)

	jobs, err = s.store.List(ctx, 1)
	s.Require().NoError(err)
	s.Len(jobs, 1)
}

func (s *PostgresSuite) TestLifecycleToCompleted() {
	ctx := context.Background()
	job := s.create()

	claimed, ok, err := s.store.Claim(ctx, job.ID)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.NotNil(claimed.StartedAt)

	_, ok, err = s.store.Claim(ctx, job.ID)
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.store.SetTotal(ctx, job.ID, 10))
	cancelled, err := s.store.Checkpoint(ctx, job.ID, 6, 60)
	s.Require().NoError(err)
	s.False(cancelled)
	_, err = s.store.Checkpoint(ctx, job.ID, 3, 30)
	s.Require().NoError(err)

	got, err := s.store.Get(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(60, got.ProgressPercent)
	s.EqualValues(6, *got.ProcessedRecords)

	ok, err = s.store.Complete(ctx, job.ID, 10, models.Artifact{Location: "/tmp/x.xls", Name: "x.xls", SizeBytes: 5000})
	s.Require().NoError(err)
	s.True(ok)

	got, err = s.store.Get(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, got.Status)
	s.Equal(100, got.ProgressPercent)
	s.EqualValues(5, *got.ArtifactSizeKB)
	s.NotNil(got.CompletedAt)
}

func (s *PostgresSuite) TestDeleteProcessingIsDeferred() {
	ctx := context.Background()
	job := s.create()
	_, _, err := s.store.Claim(ctx, job.ID)
	s.Require().NoError(err)

	res, err := s.store.RequestDelete(ctx, job.ID)
	s.Require().NoError(err)
	s.True(res.Deferred)

	_, err = s.store.Get(ctx, job.ID)
	s.ErrorIs(err, ErrNotFound)

	cancelled, err := s.store.Checkpoint(ctx, job.ID, 1, 1)
	s.Require().NoError(err)
	s.True(cancelled)

	ok, err := s.store.Complete(ctx, job.ID, 1, models.Artifact{Location: "x", Name: "x"})
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.store.Purge(ctx, job.ID))
	var n int
	s.Require().NoError(s.store.pool.QueryRow(ctx, `SELECT count(*) FROM export_jobs`).Scan(&n))
	s.Zero(n)
}

func (s *PostgresSuite) TestDeleteFailedReturnsNoArtifact() {
	ctx := context.Background()
	job := s.create()
	_, err := s.store.Fail(ctx, job.ID, "queue unavailable")
	s.Require().NoError(err)

	res, err := s.store.RequestDelete(ctx, job.ID)
	s.Require().NoError(err)
	s.False(res.Deferred)
	s.Nil(res.ArtifactLocation)
	s.Equal(models.StatusFailed, res.PrevStatus)
}

func (s *PostgresSuite) TestStalePendingSkipsClaimedAndFreshJobs() {
	ctx := context.Background()
	first := s.create()
	claimed := s.create()
	second := s.create()
	_, _, err := s.store.Claim(ctx, claimed.ID)
	s.Require().NoError(err)

	ids, err := s.store.StalePending(ctx, time.Now().Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Equal([]string{first.ID, second.ID}, ids)

	ids, err = s.store.StalePending(ctx, first.CreatedAt, 10)
	s.Require().NoError(err)
	s.Empty(ids)
}

func TestConnectRejectsBadDSN(t *testing.T) {
	_, err := Connect(context.Background(), "::not a dsn::")
	require.Error(t, err)
}
