package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobguard/internal/breaker"
	"jobguard/internal/models"
	"jobguard/internal/telemetry"
)

// jobColumns is the canonical select list; scanJob must match it.
const jobColumns = `id, queue_name, queue_type, job_id, job_name, data, status,
	attempts, max_attempts, error_message, created_at, updated_at,
	started_at, completed_at, last_heartbeat`

// Repository is the authoritative layer for all jobguard_jobs operations.
// Every public method runs through the circuit breaker.
type Repository struct {
	pool *pgxpool.Pool
	cb   *breaker.Breaker
	log  *slog.Logger
}

func New(pool *pgxpool.Pool, cb *breaker.Breaker, log *slog.Logger) *Repository {
	return &Repository{pool: pool, cb: cb, log: log}
}

func scanJob(row pgx.Row) (*models.JobRecord, error) {
	var j models.JobRecord
	err := row.Scan(
		&j.ID,
		&j.QueueName,
		&j.QueueType,
		&j.JobID,
		&j.JobName,
		&j.Data,
		&j.Status,
		&j.Attempts,
		&j.MaxAttempts,
		&j.ErrorMessage,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.StartedAt,
		&j.CompletedAt,
		&j.LastHeartbeat,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// InsertJob mirrors a broker submit as a pending row. Resubmitting an active
// job id converges onto the existing row; a terminal row is outside the
// partial unique index, so the same job id starts a fresh incarnation. The
// conflict predicate mirrors the index predicate in the schema.
func (r *Repository) InsertJob(
	ctx context.Context,
	queue string,
	queueType models.QueueType,
	jobID string,
	jobName *string,
	data json.RawMessage,
	maxAttempts int,
) (*models.JobRecord, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	var rec *models.JobRecord
	err := r.cb.Execute(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx, `
			INSERT INTO jobguard_jobs (queue_name, queue_type, job_id, job_name, data, status, max_attempts)
			VALUES ($1, $2, $3, $4, $5, 'pending', $6)
			ON CONFLICT (queue_name, queue_type, job_id)
				WHERE status NOT IN ('completed', 'failed', 'dead')
			DO UPDATE SET
				data = EXCLUDED.data,
				job_name = EXCLUDED.job_name,
				max_attempts = EXCLUDED.max_attempts,
				attempts = 0,
				status = 'pending',
				error_message = NULL
			WHERE jobguard_jobs.status NOT IN ('completed', 'failed', 'dead')
			RETURNING `+jobColumns,
			queue, queueType, jobID, jobName, data, maxAttempts)

		got, err := scanJob(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// The conflicting row left the active set during the upsert;
				// the broker submit already succeeded, so this is not an error.
				return nil
			}
			return fmt.Errorf("insert job %s/%s: %w", queue, jobID, err)
		}
		rec = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec != nil {
		telemetry.SubmitsTracked.Inc()
	}
	return rec, nil
}

// UpdateJobStatus moves the active row for the business key into status.
// Entering processing stamps started_at and a fresh heartbeat; entering a
// terminal state stamps completed_at. Terminal rows are never touched.
func (r *Repository) UpdateJobStatus(
	ctx context.Context,
	queue string,
	queueType models.QueueType,
	jobID string,
	status models.Status,
) error {
	return r.cb.Execute(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx, `
			UPDATE jobguard_jobs SET
				status = $4,
				started_at = CASE
					WHEN $4 = 'processing' AND started_at IS NULL THEN now()
					ELSE started_at END,
				last_heartbeat = CASE
					WHEN $4 = 'processing' THEN now()
					ELSE last_heartbeat END,
				completed_at = CASE
					WHEN $4 IN ('completed', 'failed', 'dead') THEN now()
					ELSE completed_at END
			WHERE queue_name = $1 AND queue_type = $2 AND job_id = $3
				AND status NOT IN ('completed', 'failed', 'dead')
		`, queue, queueType, jobID, status)
		if err != nil {
			return fmt.Errorf("update status %s/%s -> %s: %w", queue, jobID, status, err)
		}
		if tag.RowsAffected() > 0 {
			telemetry.StatusTransitions.WithLabelValues(string(status)).Inc()
		}
		return nil
	})
}

// UpdateJobError records a reported failure: attempts is incremented and the
// new status is computed inside SQL so concurrent mutators cannot race the
// dead/failed decision.
func (r *Repository) UpdateJobError(
	ctx context.Context,
	queue string,
	queueType models.QueueType,
	jobID string,
	errorMessage string,
) error {
	return r.cb.Execute(ctx, func(ctx context.Context) error {
		var status models.Status
		err := r.pool.QueryRow(ctx, `
			UPDATE jobguard_jobs SET
				attempts = attempts + 1,
				error_message = $4,
				status = CASE
					WHEN attempts + 1 >= max_attempts THEN 'dead'
					ELSE 'failed' END,
				completed_at = now()
			WHERE queue_name = $1 AND queue_type = $2 AND job_id = $3
				AND status NOT IN ('completed', 'failed', 'dead')
			RETURNING status
		`, queue, queueType, jobID, errorMessage).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("update error %s/%s: %w", queue, jobID, err)
		}
		telemetry.StatusTransitions.WithLabelValues(string(status)).Inc()
		if status == models.StatusDead {
			telemetry.JobsDead.Inc()
		}
		return nil
	})
}

// UpdateHeartbeat refreshes the liveness signal. Only processing rows are
// touched; anything else is a silent no-op.
func (r *Repository) UpdateHeartbeat(
	ctx context.Context,
	queue string,
	queueType models.QueueType,
	jobID string,
) error {
	return r.cb.Execute(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
			UPDATE jobguard_jobs SET last_heartbeat = now()
			WHERE queue_name = $1 AND queue_type = $2 AND job_id = $3
				AND status = 'processing'
		`, queue, queueType, jobID)
		if err != nil {
			return fmt.Errorf("update heartbeat %s/%s: %w", queue, jobID, err)
		}
		return nil
	})
}

// MarkReenqueued finalizes a successful broker re-injection: the stuck row
// goes back to pending with the attempt spent. Guarded on stuck so a worker
// that finished in the meantime wins.
func (r *Repository) MarkReenqueued(
	ctx context.Context,
	queue string,
	queueType models.QueueType,
	jobID string,
) error {
	return r.cb.Execute(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx, `
			UPDATE jobguard_jobs SET
				status = 'pending',
				attempts = attempts + 1
			WHERE queue_name = $1 AND queue_type = $2 AND job_id = $3
				AND status = 'stuck'
		`, queue, queueType, jobID)
		if err != nil {
			return fmt.Errorf("mark reenqueued %s/%s: %w", queue, jobID, err)
		}
		if tag.RowsAffected() > 0 {
			telemetry.StuckRecovered.Inc()
		}
		return nil
	})
}

// BulkUpdateStatus applies one status to a set of internal ids. Empty input
// is a no-op. Terminal rows are excluded; entering a terminal status stamps
// completed_at.
func (r *Repository) BulkUpdateStatus(ctx context.Context, ids []string, status models.Status) error {
	if len(ids) == 0 {
		return nil
	}
	return r.cb.Execute(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `
			UPDATE jobguard_jobs SET
				status = $2,
				completed_at = CASE
					WHEN $2 IN ('completed', 'failed', 'dead') THEN now()
					ELSE completed_at END
			WHERE id = ANY($1::uuid[]) AND status NOT IN ('completed', 'failed', 'dead')
		`, ids, status)
		if err != nil {
			return fmt.Errorf("bulk update status -> %s: %w", status, err)
		}
		return nil
	})
}

// BulkMarkDead dead-letters a set of internal ids.
func (r *Repository) BulkMarkDead(ctx context.Context, ids []string) error {
	return r.BulkUpdateStatus(ctx, ids, models.StatusDead)
}

// DeleteOldJobs removes terminal rows past the retention window and returns
// how many were deleted.
func (r *Repository) DeleteOldJobs(ctx context.Context, retentionDays int) (int64, error) {
	var deleted int64
	err := r.cb.Execute(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx, `
			DELETE FROM jobguard_jobs
			WHERE status IN ('completed', 'failed', 'dead')
				AND completed_at IS NOT NULL
				AND completed_at < now() - ($1::int * interval '1 day')
		`, retentionDays)
		if err != nil {
			return fmt.Errorf("delete old jobs: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	telemetry.CleanupDeleted.Add(float64(deleted))
	return deleted, nil
}

// GetExpiredJobs returns up to limit of the terminal rows the next cleanup
// pass would delete, oldest first. Used by the archiver.
func (r *Repository) GetExpiredJobs(ctx context.Context, retentionDays, limit int) ([]models.JobRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	var out []models.JobRecord
	err := r.cb.Execute(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobguard_jobs
			WHERE status IN ('completed', 'failed', 'dead')
				AND completed_at IS NOT NULL
				AND completed_at < now() - ($1::int * interval '1 day')
			ORDER BY completed_at
			LIMIT $2
		`, retentionDays, limit)
		if err != nil {
			return fmt.Errorf("query expired jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanJob(rows)
			if err != nil {
				return fmt.Errorf("scan expired job: %w", err)
			}
			out = append(out, *rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetStatistics aggregates per-status counts for the queue.
func (r *Repository) GetStatistics(ctx context.Context, queue string) (*models.Statistics, error) {
	stats := &models.Statistics{
		QueueName: queue,
		ByStatus:  make(map[models.Status]int64),
	}
	err := r.cb.Execute(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `
			SELECT status, count(*)
			FROM jobguard_jobs
			WHERE queue_name = $1
			GROUP BY status
		`, queue)
		if err != nil {
			return fmt.Errorf("query statistics: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var status models.Status
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				return fmt.Errorf("scan statistics: %w", err)
			}
			stats.ByStatus[status] = n
			stats.Total += n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// GetJob looks up the row for a business key, preferring the active
// incarnation over terminal history.
func (r *Repository) GetJob(
	ctx context.Context,
	queue string,
	queueType models.QueueType,
	jobID string,
) (*models.JobRecord, error) {
	var rec *models.JobRecord
	err := r.cb.Execute(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx, `
			SELECT `+jobColumns+`
			FROM jobguard_jobs
			WHERE queue_name = $1 AND queue_type = $2 AND job_id = $3
			ORDER BY
				CASE WHEN status NOT IN ('completed', 'failed', 'dead') THEN 0 ELSE 1 END,
				updated_at DESC
			LIMIT 1
		`, queue, queueType, jobID)

		got, err := scanJob(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("get job %s/%s: %w", queue, jobID, err)
		}
		rec = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}
