package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"jobguard/internal/models"
	"jobguard/internal/telemetry"
)

// HarvestResult is what one stuck-job harvest produced: records with retries
// left, and the internal ids of rows that went straight to dead.
type HarvestResult struct {
	Reenqueue []models.JobRecord
	DeadIDs   []string
}

// GetAndMarkStuckJobs runs the atomic harvest inside one transaction:
// processing rows whose liveness signal is older than threshold are locked
// (skipping rows held by concurrent transactions), marked stuck, and then
// partitioned by remaining attempts, with the exhausted set dead-lettered
// before commit. The COALESCE fallback lets rows without heartbeats be
// judged by updated_at.
func (r *Repository) GetAndMarkStuckJobs(
	ctx context.Context,
	queue string,
	threshold time.Duration,
	batchSize int,
	useHeartbeat bool,
) (*HarvestResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	liveness := "updated_at"
	if useHeartbeat {
		liveness = "COALESCE(last_heartbeat, updated_at)"
	}

	result := &HarvestResult{}
	err := r.cb.Execute(ctx, func(ctx context.Context) error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin harvest tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		rows, err := tx.Query(ctx, fmt.Sprintf(`
			WITH candidates AS (
				SELECT id
				FROM jobguard_jobs
				WHERE queue_name = $1
					AND status = 'processing'
					AND %s < now() - ($2::bigint * interval '1 millisecond')
				ORDER BY %s
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			UPDATE jobguard_jobs j
			SET status = 'stuck'
			FROM candidates c
			WHERE j.id = c.id
			RETURNING j.id, j.queue_name, j.queue_type, j.job_id, j.job_name, j.data,
				j.status, j.attempts, j.max_attempts, j.error_message,
				j.created_at, j.updated_at, j.started_at, j.completed_at, j.last_heartbeat
		`, liveness, liveness), queue, threshold.Milliseconds(), batchSize)
		if err != nil {
			return fmt.Errorf("harvest stuck jobs: %w", err)
		}

		var harvested []models.JobRecord
		for rows.Next() {
			rec, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan stuck job: %w", err)
			}
			harvested = append(harvested, *rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("harvest rows: %w", err)
		}

		var reenqueue []models.JobRecord
		var deadIDs []string
		for _, rec := range harvested {
			if rec.RetriesLeft() {
				reenqueue = append(reenqueue, rec)
			} else {
				deadIDs = append(deadIDs, rec.ID)
			}
		}

		if len(deadIDs) > 0 {
			if _, err := tx.Exec(ctx, `
				UPDATE jobguard_jobs
				SET status = 'dead', completed_at = now()
				WHERE id = ANY($1::uuid[])
			`, deadIDs); err != nil {
				return fmt.Errorf("dead-letter exhausted jobs: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit harvest tx: %w", err)
		}

		result.Reenqueue = reenqueue
		result.DeadIDs = deadIDs
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.StuckDetected.Add(float64(len(result.Reenqueue) + len(result.DeadIDs)))
	telemetry.JobsDead.Add(float64(len(result.DeadIDs)))
	return result, nil
}
