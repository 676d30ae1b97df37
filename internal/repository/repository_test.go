package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	pgContainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"jobguard/internal/breaker"
	"jobguard/internal/logging"
	"jobguard/internal/models"
	"jobguard/internal/postgres"
)

type RepositorySuite struct {
	suite.Suite

	container *pgContainer.PostgresContainer
	pool      *pgxpool.Pool
	repo      *Repository
}

func TestRepositorySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test requires docker")
	}
	suite.Run(t, new(RepositorySuite))
}

func (s *RepositorySuite) SetupSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	container, err := pgContainer.Run(ctx,
		"postgres:17",
		pgContainer.WithDatabase("jobguard"),
		pgContainer.WithUsername("user"),
		pgContainer.WithPassword("pass"),
		pgContainer.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = container

	endpoint, err := container.Endpoint(ctx, "")
	s.Require().NoError(err)

	pool, err := pgxpool.New(ctx, fmt.Sprintf("postgres://user:pass@%s/jobguard", endpoint))
	s.Require().NoError(err)
	s.pool = pool

	s.Require().NoError(postgres.EnsureSchema(ctx, pool))

	cb := breaker.New(100, time.Minute)
	s.repo = New(pool, cb, logging.New(logging.Config{}))
}

func (s *RepositorySuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		_ = testcontainers.TerminateContainer(s.container)
	}
}

func (s *RepositorySuite) SetupTest() {
	_, err := s.pool.Exec(context.Background(), `TRUNCATE jobguard_jobs`)
	s.Require().NoError(err)
}

// seed inserts a row directly so timestamps can sit in the past; the
// updated_at trigger only fires on UPDATE.
func (s *RepositorySuite) seed(jobID string, status models.Status, attempts, max int, heartbeatAge time.Duration) string {
	var id string
	hb := time.Now().Add(-heartbeatAge)
	err := s.pool.QueryRow(context.Background(), `
		INSERT INTO jobguard_jobs
			(queue_name, queue_type, job_id, data, status, attempts, max_attempts,
			 started_at, last_heartbeat, updated_at,
			 completed_at)
		VALUES ('q1', 'bull', $1, '{}', $2, $3, $4, $5, $5, $5,
			CASE WHEN $2 IN ('completed', 'failed', 'dead') THEN $5::timestamptz ELSE NULL END)
		RETURNING id
	`, jobID, status, attempts, max, hb).Scan(&id)
	s.Require().NoError(err)
	return id
}

func (s *RepositorySuite) getRow(jobID string) *models.JobRecord {
	rec, err := s.repo.GetJob(context.Background(), "q1", models.QueueBull, jobID)
	s.Require().NoError(err)
	return rec
}

func (s *RepositorySuite) TestInsertJobCreatesPending() {
	ctx := context.Background()
	name := "send-email"
	rec, err := s.repo.InsertJob(ctx, "q1", models.QueueBull, "j1", &name, json.RawMessage(`{"n":1}`), 3)
	s.Require().NoError(err)
	s.Require().NotNil(rec)

	s.Equal(models.StatusPending, rec.Status)
	s.Equal(0, rec.Attempts)
	s.Equal(3, rec.MaxAttempts)
	s.Require().NotNil(rec.JobName)
	s.Equal("send-email", *rec.JobName)
	s.JSONEq(`{"n":1}`, string(rec.Data))
	s.Nil(rec.StartedAt)
	s.Nil(rec.CompletedAt)
}

func (s *RepositorySuite) TestInsertJobUpsertConverges() {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.repo.InsertJob(ctx, "q1", models.QueueBull, "j1", nil,
			json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), 3)
		s.Require().NoError(err)
	}

	var count int
	s.Require().NoError(s.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobguard_jobs WHERE job_id = 'j1'`).Scan(&count))
	s.Equal(1, count)

	rec := s.getRow("j1")
	s.JSONEq(`{"n":4}`, string(rec.Data))
	s.Equal(models.StatusPending, rec.Status)
}

func (s *RepositorySuite) TestInsertJobOnTerminalStartsFreshRow() {
	ctx := context.Background()
	s.seed("j1", models.StatusCompleted, 1, 3, time.Hour)

	rec, err := s.repo.InsertJob(ctx, "q1", models.QueueBull, "j1", nil, json.RawMessage(`{}`), 3)
	s.Require().NoError(err)
	s.Require().NotNil(rec)
	s.Equal(models.StatusPending, rec.Status)

	var count int
	s.Require().NoError(s.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobguard_jobs WHERE job_id = 'j1'`).Scan(&count))
	s.Equal(2, count)
}

func (s *RepositorySuite) TestUpdateJobStatusStampsPhases() {
	ctx := context.Background()
	_, err := s.repo.InsertJob(ctx, "q1", models.QueueBull, "j1", nil, json.RawMessage(`{}`), 3)
	s.Require().NoError(err)

	s.Require().NoError(s.repo.UpdateJobStatus(ctx, "q1", models.QueueBull, "j1", models.StatusProcessing))
	rec := s.getRow("j1")
	s.Equal(models.StatusProcessing, rec.Status)
	s.NotNil(rec.StartedAt)
	s.NotNil(rec.LastHeartbeat)
	s.Nil(rec.CompletedAt)

	s.Require().NoError(s.repo.UpdateJobStatus(ctx, "q1", models.QueueBull, "j1", models.StatusCompleted))
	rec = s.getRow("j1")
	s.Equal(models.StatusCompleted, rec.Status)
	s.NotNil(rec.CompletedAt)
}

func (s *RepositorySuite) TestTerminalRowsAreImmutable() {
	ctx := context.Background()
	s.seed("j1", models.StatusCompleted, 1, 3, time.Hour)

	s.Require().NoError(s.repo.UpdateJobStatus(ctx, "q1", models.QueueBull, "j1", models.StatusProcessing))
	rec := s.getRow("j1")
	s.Equal(models.StatusCompleted, rec.Status)

	s.Require().NoError(s.repo.UpdateJobError(ctx, "q1", models.QueueBull, "j1", "late failure"))
	rec = s.getRow("j1")
	s.Equal(models.StatusCompleted, rec.Status)
	s.Nil(rec.ErrorMessage)
}

func (s *RepositorySuite) TestUpdateJobErrorFailsThenDies() {
	ctx := context.Background()
	s.seed("j1", models.StatusProcessing, 1, 3, time.Minute)

	// attempts 1 -> 2, below max: failed.
	s.Require().NoError(s.repo.UpdateJobError(ctx, "q1", models.QueueBull, "j1", "boom"))
	rec := s.getRow("j1")
	s.Equal(models.StatusFailed, rec.Status)
	s.Equal(2, rec.Attempts)
	s.Require().NotNil(rec.ErrorMessage)
	s.Equal("boom", *rec.ErrorMessage)
	s.NotNil(rec.CompletedAt)

	// A new incarnation that exhausts its budget goes dead.
	s.seed("j2", models.StatusProcessing, 2, 3, time.Minute)
	s.Require().NoError(s.repo.UpdateJobError(ctx, "q1", models.QueueBull, "j2", "boom"))
	rec = s.getRow("j2")
	s.Equal(models.StatusDead, rec.Status)
	s.Equal(3, rec.Attempts)
}

func (s *RepositorySuite) TestUpdateHeartbeatOnlyWhileProcessing() {
	ctx := context.Background()
	s.seed("j1", models.StatusProcessing, 0, 3, time.Hour)
	s.seed("j2", models.StatusPending, 0, 3, time.Hour)

	s.Require().NoError(s.repo.UpdateHeartbeat(ctx, "q1", models.QueueBull, "j1"))
	s.Require().NoError(s.repo.UpdateHeartbeat(ctx, "q1", models.QueueBull, "j2"))

	r1, r2 := s.getRow("j1"), s.getRow("j2")
	s.Require().NotNil(r1.LastHeartbeat)
	s.WithinDuration(time.Now(), *r1.LastHeartbeat, 10*time.Second)
	s.WithinDuration(time.Now().Add(-time.Hour), *r2.LastHeartbeat, 10*time.Second)
}

func (s *RepositorySuite) TestHarvestPartitionsByAttempts() {
	ctx := context.Background()
	s.seed("stale-retry", models.StatusProcessing, 1, 3, 10*time.Minute)
	s.seed("stale-dead", models.StatusProcessing, 3, 3, 10*time.Minute)
	s.seed("fresh", models.StatusProcessing, 0, 3, time.Second)
	s.seed("idle", models.StatusPending, 0, 3, 10*time.Minute)

	res, err := s.repo.GetAndMarkStuckJobs(ctx, "q1", time.Minute, 100, true)
	s.Require().NoError(err)

	s.Require().Len(res.Reenqueue, 1)
	s.Equal("stale-retry", res.Reenqueue[0].JobID)
	s.Equal(models.StatusStuck, res.Reenqueue[0].Status)
	s.Require().Len(res.DeadIDs, 1)

	s.Equal(models.StatusStuck, s.getRow("stale-retry").Status)
	dead := s.getRow("stale-dead")
	s.Equal(models.StatusDead, dead.Status)
	s.NotNil(dead.CompletedAt)
	s.Equal(models.StatusProcessing, s.getRow("fresh").Status)
	s.Equal(models.StatusPending, s.getRow("idle").Status)
}

func (s *RepositorySuite) TestHarvestHonorsBatchSize() {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.seed(fmt.Sprintf("j%d", i), models.StatusProcessing, 0, 3, 10*time.Minute)
	}

	res, err := s.repo.GetAndMarkStuckJobs(ctx, "q1", time.Minute, 2, true)
	s.Require().NoError(err)
	s.Len(res.Reenqueue, 2)

	res, err = s.repo.GetAndMarkStuckJobs(ctx, "q1", time.Minute, 100, true)
	s.Require().NoError(err)
	s.Len(res.Reenqueue, 3)
}

func (s *RepositorySuite) TestHarvestWithoutHeartbeatUsesUpdatedAt() {
	ctx := context.Background()

	// Old record with no heartbeat at all: only updated_at can judge it.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobguard_jobs (queue_name, queue_type, job_id, data, status, attempts, max_attempts, updated_at)
		VALUES ('q1', 'bull', 'legacy', '{}', 'processing', 0, 3, now() - interval '10 minutes')
	`)
	s.Require().NoError(err)

	res, err := s.repo.GetAndMarkStuckJobs(ctx, "q1", time.Minute, 100, false)
	s.Require().NoError(err)
	s.Require().Len(res.Reenqueue, 1)
	s.Equal("legacy", res.Reenqueue[0].JobID)
}

func (s *RepositorySuite) TestMarkReenqueuedSpendsAttempt() {
	ctx := context.Background()
	s.seed("j1", models.StatusStuck, 1, 3, time.Minute)

	s.Require().NoError(s.repo.MarkReenqueued(ctx, "q1", models.QueueBull, "j1"))
	rec := s.getRow("j1")
	s.Equal(models.StatusPending, rec.Status)
	s.Equal(2, rec.Attempts)

	// Guarded on stuck: a second call is a no-op.
	s.Require().NoError(s.repo.MarkReenqueued(ctx, "q1", models.QueueBull, "j1"))
	s.Equal(2, s.getRow("j1").Attempts)
}

func (s *RepositorySuite) TestBulkOps() {
	ctx := context.Background()
	id1 := s.seed("j1", models.StatusStuck, 0, 3, time.Minute)
	id2 := s.seed("j2", models.StatusStuck, 0, 3, time.Minute)

	// Empty input is a no-op, not an error.
	s.Require().NoError(s.repo.BulkUpdateStatus(ctx, nil, models.StatusDead))
	s.Require().NoError(s.repo.BulkMarkDead(ctx, []string{}))

	s.Require().NoError(s.repo.BulkMarkDead(ctx, []string{id1, id2}))
	for _, jobID := range []string{"j1", "j2"} {
		rec := s.getRow(jobID)
		s.Equal(models.StatusDead, rec.Status)
		s.NotNil(rec.CompletedAt)
	}
}

func (s *RepositorySuite) TestDeleteOldJobsRespectsRetention() {
	ctx := context.Background()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobguard_jobs (queue_name, queue_type, job_id, data, status, completed_at)
		VALUES
			('q1', 'bull', 'old', '{}', 'completed', now() - interval '10 days'),
			('q1', 'bull', 'recent', '{}', 'completed', now() - interval '1 day'),
			('q1', 'bull', 'live', '{}', 'processing', NULL)
	`)
	s.Require().NoError(err)

	deleted, err := s.repo.DeleteOldJobs(ctx, 7)
	s.Require().NoError(err)
	s.Equal(int64(1), deleted)

	var count int
	s.Require().NoError(s.pool.QueryRow(ctx, `SELECT count(*) FROM jobguard_jobs`).Scan(&count))
	s.Equal(2, count)
}

func (s *RepositorySuite) TestGetExpiredJobs() {
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobguard_jobs (queue_name, queue_type, job_id, data, status, completed_at)
		VALUES
			('q1', 'bull', 'old1', '{}', 'dead', now() - interval '10 days'),
			('q1', 'bull', 'old2', '{}', 'completed', now() - interval '9 days'),
			('q1', 'bull', 'recent', '{}', 'completed', now() - interval '1 day')
	`)
	s.Require().NoError(err)

	recs, err := s.repo.GetExpiredJobs(ctx, 7, 100)
	s.Require().NoError(err)
	s.Require().Len(recs, 2)
	s.Equal("old1", recs[0].JobID) // oldest first
}

func (s *RepositorySuite) TestGetStatistics() {
	ctx := context.Background()
	s.seed("j1", models.StatusPending, 0, 3, time.Minute)
	s.seed("j2", models.StatusProcessing, 0, 3, time.Minute)
	s.seed("j3", models.StatusCompleted, 0, 3, time.Minute)
	s.seed("j4", models.StatusCompleted, 0, 3, time.Minute)

	stats, err := s.repo.GetStatistics(ctx, "q1")
	s.Require().NoError(err)
	s.Equal(int64(4), stats.Total)
	s.Equal(int64(1), stats.ByStatus[models.StatusPending])
	s.Equal(int64(1), stats.ByStatus[models.StatusProcessing])
	s.Equal(int64(2), stats.ByStatus[models.StatusCompleted])
}

func (s *RepositorySuite) TestGetJobPrefersActiveIncarnation() {
	ctx := context.Background()
	s.seed("j1", models.StatusCompleted, 1, 3, time.Hour)
	s.seed("j1", models.StatusPending, 0, 3, time.Minute)

	rec := s.getRow("j1")
	s.Require().NotNil(rec)
	s.Equal(models.StatusPending, rec.Status)

	missing, err := s.repo.GetJob(ctx, "q1", models.QueueBull, "nope")
	s.Require().NoError(err)
	s.Nil(missing)
}

func (s *RepositorySuite) TestActiveUniquenessIndex() {
	ctx := context.Background()
	s.seed("j1", models.StatusPending, 0, 3, time.Minute)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobguard_jobs (queue_name, queue_type, job_id, data, status)
		VALUES ('q1', 'bull', 'j1', '{}', 'processing')
	`)
	require.Error(s.T(), err, "second active row for the same business key must be rejected")
}
