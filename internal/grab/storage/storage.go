// Package storage handles all database operations for jobs and results.
// Correctness under concurrency relies on the dispatcher's single-owner
// invariant (a job is handed to exactly one engine task), not on row locks.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/Berry-MI/quickgrab/internal/grab/domain"
)

// Storage is the sqlx-backed job and result store.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `id, device_id, buyer_id, worker_tag, link, cookies, keyword,
	start_time, end_time, quantity, delay_ms, frequency_ms, strategy, status,
	order_parameters, order_info, message, extension, created_at`

// SelectPendingByStatus returns all jobs in the given status, oldest first.
func (s *Storage) SelectPendingByStatus(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM requests
		WHERE status = $1
		ORDER BY start_time ASC
	`

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, status); err != nil {
		return nil, fmt.Errorf("failed to select jobs by status: %w", err)
	}
	return jobs, nil
}

// GetJobByID retrieves a job from the database by its ID.
func (s *Storage) GetJobByID(ctx context.Context, id int64) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM requests WHERE id = $1`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// UpdateStatus advances a job's status. The dispatcher is the only caller
// and only ever moves it forward.
func (s *Storage) UpdateStatus(ctx context.Context, id int64, status domain.JobStatus) error {
	query := `UPDATE requests SET status = $1 WHERE id = $2`

	result, err := s.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrJobNotFound
	}

	s.logger.Debug("Job status updated",
		slog.Int64("job_id", id),
		slog.Int("status", int(status)),
	)
	return nil
}

// UpdateWorkerTag records which worker task owns the job's race.
func (s *Storage) UpdateWorkerTag(ctx context.Context, id int64, tag string) error {
	query := `UPDATE requests SET worker_tag = $1 WHERE id = $2`

	if _, err := s.db.ExecContext(ctx, query, tag, id); err != nil {
		return fmt.Errorf("failed to update worker tag: %w", err)
	}
	return nil
}

// InsertJob persists a new job and fills in its generated id.
func (s *Storage) InsertJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO requests (device_id, buyer_id, worker_tag, link, cookies, keyword,
			start_time, end_time, quantity, delay_ms, frequency_ms, strategy, status,
			order_parameters, order_info, message, extension, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		job.DeviceID, job.BuyerID, job.WorkerTag, job.Link, job.Cookies, job.Keyword,
		job.StartTime, job.EndTime, job.Quantity, job.DelayMs, job.FrequencyMs,
		job.Strategy, job.Status, job.OrderParameters, job.OrderInfo, job.Message,
		job.Extension,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	s.logger.Info("Job inserted",
		slog.Int64("job_id", job.ID),
		slog.String("strategy", job.Strategy.String()),
	)
	return nil
}

// UpdateOrderParameters persists a rebuilt parameter blob.
func (s *Storage) UpdateOrderParameters(ctx context.Context, id int64, orderParameters string) error {
	query := `UPDATE requests SET order_parameters = $1 WHERE id = $2`

	if _, err := s.db.ExecContext(ctx, query, orderParameters, id); err != nil {
		return fmt.Errorf("failed to update order parameters: %w", err)
	}
	return nil
}

// DeleteJob removes a settled job from the pending store.
func (s *Storage) DeleteJob(ctx context.Context, id int64) error {
	query := `DELETE FROM requests WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	s.logger.Debug("Job deleted", slog.Int64("job_id", id))
	return nil
}

// ListJobs returns a buyer's jobs, soonest start first.
func (s *Storage) ListJobs(ctx context.Context, buyerID int64) ([]domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM requests
		WHERE buyer_id = $1
		ORDER BY start_time ASC
	`

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, buyerID); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// InsertResult persists the terminal record of one job.
func (s *Storage) InsertResult(ctx context.Context, result *domain.Result) error {
	query := `
		INSERT INTO results (job_id, device_id, buyer_id, link, keyword, start_time,
			end_time, quantity, strategy, message, extension, response_message, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		result.JobID, result.DeviceID, result.BuyerID, result.Link, result.Keyword,
		result.StartTime, result.EndTime, result.Quantity, result.Strategy,
		result.Message, result.Extension, result.ResponseMessage, result.Status,
	).Scan(&result.ID)
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}

	s.logger.Info("Result inserted",
		slog.Int64("result_id", result.ID),
		slog.Int64("job_id", result.JobID),
		slog.Int("status", int(result.Status)),
	)
	return nil
}

// ListResults returns results for a buyer, newest first, capped at limit.
func (s *Storage) ListResults(ctx context.Context, buyerID int64, limit int) ([]domain.Result, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `
		SELECT id, job_id, device_id, buyer_id, link, keyword, start_time, end_time,
			quantity, strategy, message, extension, response_message, status, created_at
		FROM results
		WHERE buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	var results []domain.Result
	if err := s.db.SelectContext(ctx, &results, query, buyerID, limit); err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return results, nil
}

// GetResultByID retrieves one result row.
func (s *Storage) GetResultByID(ctx context.Context, id int64) (*domain.Result, error) {
	query := `
		SELECT id, job_id, device_id, buyer_id, link, keyword, start_time, end_time,
			quantity, strategy, message, extension, response_message, status, created_at
		FROM results
		WHERE id = $1
	`

	var result domain.Result
	if err := s.db.GetContext(ctx, &result, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrResultNotFound
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return &result, nil
}
