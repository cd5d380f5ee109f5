package store

import (
	"context"
	"database/sql"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type JobResultSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewJobResultSQLiteStore(rdb, rwdb *sql.DB) *JobResultSQLiteStore {
	return &JobResultSQLiteStore{rdb, rwdb}
}

func (store *JobResultSQLiteStore) CreateJobResult(
	ctx context.Context,
	jr *JobResult,
) (*JobResult, error) {
	query := `insert into job_results (
		result_run_id,
		job_id,
		stage,
		name,
		status,
		failing_command,
		exit_code,
		error_kind,
		deploy_skipped,
		deploy_skip_reason,
		output
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	returning job_result_id, created_on`
	if err := sqlscan.Get(
		ctx, store.rwdb, jr, query,
		jr.ResultRunID,
		jr.JobID,
		jr.Stage,
		jr.Name,
		jr.Status,
		jr.FailingCommand,
		jr.ExitCode,
		jr.ErrorKind,
		jr.DeploySkipped,
		jr.DeploySkipReason,
		jr.Output,
	); err != nil {
		return nil, err
	}
	return jr, nil
}

func (store *JobResultSQLiteStore) ListRunJobResults(
	ctx context.Context,
	runID int64,
) ([]JobResult, error) {
	query := `select * from job_results
	where result_run_id = $1
	order by job_result_id`
	results := make([]JobResult, 0)
	err := sqlscan.Select(ctx, store.rdb, &results, query, runID)
	return results, err
}

func (store *JobResultSQLiteStore) DeleteRunJobResults(ctx context.Context, runID int64) error {
	query := "delete from job_results where result_run_id = $1"
	_, err := store.rwdb.ExecContext(ctx, query, runID)
	return err
}
