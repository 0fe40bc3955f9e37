package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cratery/cratery/internal/model"
)

var _ model.JobStore = (*JobRepository)(nil)

type JobRepository struct {
	db *Connection
}

func NewJobRepository(db *Connection) *JobRepository {
	return &JobRepository{
		db: db,
	}
}

const jobColumns = `id, kind, payload, required_capabilities, state, reason, worker_id, attempts, submitted_at, deadline`

func scanJob(row pgx.Row) (model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.ID, &j.Kind, &j.Payload, &j.RequiredCapabilities,
		&j.State, &j.Reason, &j.WorkerID, &j.Attempts, &j.SubmittedAt, &j.Deadline,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, model.ErrNotFound
		}
		return model.Job{}, err
	}
	return j, nil
}

func (r *JobRepository) Create(ctx context.Context, job model.Job) (model.Job, error) {
	query := `
		INSERT INTO jobs (id, kind, payload, required_capabilities, state, deadline)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + jobColumns
	return scanJob(r.db.QueryRow(ctx, query,
		job.ID, string(job.Kind), job.Payload, job.RequiredCapabilities, string(job.State), job.Deadline,
	))
}

func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return scanJob(r.db.QueryRow(ctx, query, id))
}

func (r *JobRepository) SetState(ctx context.Context, id uuid.UUID, state model.JobState, reason string) error {
	const query = `UPDATE jobs SET state = $2, reason = $3, worker_id = NULL WHERE id = $1`
	cmd, err := r.db.Exec(ctx, query, id, string(state), reason)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *JobRepository) SetDispatched(ctx context.Context, id uuid.UUID, workerID uuid.UUID, attempt int) error {
	const query = `UPDATE jobs SET state = 'dispatched', worker_id = $2, attempts = $3 WHERE id = $1`
	cmd, err := r.db.Exec(ctx, query, id, workerID, attempt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *JobRepository) ListUnfinished(ctx context.Context) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE state IN ('queued', 'dispatched') ORDER BY submitted_at ASC, id ASC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}
