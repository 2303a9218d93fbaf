package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"uk.co.dudmesh.crosspost/internal/model"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

type jobRow struct {
	ID        string         `db:"id"`
	Status    string         `db:"status"`
	Payload   string         `db:"payload"`
	DelayMS   int64          `db:"delay_ms"`
	RunAt     int64          `db:"run_at"`
	CreatedAt int64          `db:"created_at"`
	UpdatedAt int64          `db:"updated_at"`
	Result    sql.NullString `db:"result"`
	LastError sql.NullString `db:"last_error"`
	Owner     sql.NullString `db:"owner"`
	LeaseAt   int64          `db:"lease_until"`
	Attempts  int            `db:"attempts"`
}

// SQLStore keeps jobs in a single table. Times are stored as unix
// milliseconds so the same schema works on sqlite and postgres.
type SQLStore struct {
	db *sqlx.DB
}

func OpenSQL(driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if _, err := s.db.Exec(`create table if not exists jobs (
		id          text not null primary key,
		status      text not null,
		payload     text not null,
		delay_ms    bigint not null,
		run_at      bigint not null,
		created_at  bigint not null,
		updated_at  bigint not null,
		result      text null,
		last_error  text null,
		owner       text null,
		lease_until bigint not null default 0,
		attempts    integer not null default 0
	)`); err != nil {
		return fmt.Errorf("creating jobs table: %w", err)
	}
	if _, err := s.db.Exec(`create index if not exists jobs_status_run_at on jobs (status, run_at)`); err != nil {
		return fmt.Errorf("creating jobs index: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Create(ctx context.Context, job *model.Job) error {
	payload, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	row := jobRow{
		ID:        string(job.ID),
		Status:    string(job.Status),
		Payload:   string(payload),
		DelayMS:   job.Delay.Milliseconds(),
		RunAt:     job.RunAt.UnixMilli(),
		CreatedAt: job.CreatedAt.UnixMilli(),
		UpdatedAt: job.UpdatedAt.UnixMilli(),
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO jobs (id, status, payload, delay_ms, run_at, created_at, updated_at)
		VALUES (:id, :status, :payload, :delay_ms, :run_at, :created_at, :updated_at)`, row)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

func (s *SQLStore) ClaimDue(ctx context.Context, now time.Time, lease model.Lease, limit int) ([]*model.Job, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		s.db.Rebind(`SELECT id FROM jobs WHERE status = ? AND run_at <= ? ORDER BY run_at LIMIT ?`),
		model.JobStatusPending, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due jobs: %w", err)
	}

	var errs []error
	claimed := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			s.db.Rebind(`UPDATE jobs SET status = ?, owner = ?, lease_until = ?, attempts = attempts + 1, updated_at = ?
				WHERE id = ? AND status = ?`),
			model.JobStatusExecuting, lease.Owner, lease.Until.UnixMilli(), now.UnixMilli(), id, model.JobStatusPending)
		if err != nil {
			return claimed, errors.Join(append(errs, fmt.Errorf("claiming job %s: %w", id, err))...)
		}
		n, err := res.RowsAffected()
		if err != nil {
			errs = append(errs, fmt.Errorf("checking claim of job %s: %w", id, err))
			continue
		}
		if n != 1 {
			continue
		}

		job, err := s.Get(ctx, model.JobID(id))
		if err != nil {
			// The row is ours now, so it must not sit in executing until its
			// lease runs out.
			if finishErr := s.Finish(ctx, model.JobID(id), model.JobStatusFailed, nil, err.Error()); finishErr != nil {
				err = errors.Join(err, finishErr)
			}
			errs = append(errs, fmt.Errorf("loading claimed job %s: %w", id, err))
			continue
		}
		claimed = append(claimed, job)
	}
	return claimed, errors.Join(errs...)
}

// Heartbeat extends the lease on a job the owner is still executing.
func (s *SQLStore) Heartbeat(ctx context.Context, id model.JobID, lease model.Lease) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE jobs SET lease_until = ? WHERE id = ? AND status = ? AND owner = ?`),
		lease.Until.UnixMilli(), id, model.JobStatusExecuting, lease.Owner)
	if err != nil {
		return fmt.Errorf("extending lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n != 1 {
		return model.ErrorJobNotClaimed
	}
	return nil
}

// transition moves a job between states and reports whether this call made
// the change.
func (s *SQLStore) transition(ctx context.Context, id model.JobID, from, to model.JobStatus, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		to, now.UnixMilli(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) Finish(ctx context.Context, id model.JobID, status model.JobStatus, result *model.AggregateResult, errText string) error {
	var encoded sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshalling result: %w", err)
		}
		encoded = sql.NullString{String: string(data), Valid: true}
	}
	lastError := sql.NullString{String: errText, Valid: errText != ""}

	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE jobs SET status = ?, result = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`),
		status, encoded, lastError, time.Now().UnixMilli(), id, model.JobStatusExecuting)
	if err != nil {
		return fmt.Errorf("finishing job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n != 1 {
		return model.ErrorJobNotClaimed
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id model.JobID) (*model.Job, error) {
	row := jobRow{}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM jobs WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorJobNotFound
		}
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return row.job()
}

func (s *SQLStore) Cancel(ctx context.Context, id model.JobID) error {
	ok, err := s.transition(ctx, id, model.JobStatusPending, model.JobStatusCancelled, time.Now())
	if err != nil {
		return fmt.Errorf("cancelling job: %w", err)
	}
	if ok {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return model.ErrorJobNotPending
}

// FailExpired fails executing jobs whose lease ran out before now.
func (s *SQLStore) FailExpired(ctx context.Context, now time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE status = ? AND lease_until < ?`),
		model.JobStatusFailed, reason, now.UnixMilli(), model.JobStatusExecuting, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failing interrupted jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

func (r *jobRow) job() (*model.Job, error) {
	job := &model.Job{
		ID:        model.JobID(r.ID),
		Status:    model.JobStatus(r.Status),
		Delay:     time.Duration(r.DelayMS) * time.Millisecond,
		RunAt:     time.UnixMilli(r.RunAt).UTC(),
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
		LastError: r.LastError.String,
		Owner:     r.Owner.String,
		Attempts:  r.Attempts,
	}
	if r.LeaseAt > 0 {
		job.LeaseUntil = time.UnixMilli(r.LeaseAt).UTC()
	}
	if err := json.Unmarshal([]byte(r.Payload), &job.Request); err != nil {
		return nil, fmt.Errorf("decoding job %s payload: %w", r.ID, err)
	}
	if r.Result.Valid {
		job.Result = &model.AggregateResult{}
		if err := json.Unmarshal([]byte(r.Result.String), job.Result); err != nil {
			return nil, fmt.Errorf("decoding job %s result: %w", r.ID, err)
		}
	}
	return job, nil
}
