package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"nightpilot/internal/job"
	logx "nightpilot/pkg/logx"
)

func TestQueryFailureIsStoreError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newSQLiteStore(db, logx.Nop())
	mock.ExpectQuery("FROM jobs WHERE status = 'active'").WillReturnError(errors.New("disk I/O error"))

	_, err = st.ListSchedulable(context.Background())
	require.Error(t, err)
	require.True(t, job.IsStore(err), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteExecutionRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newSQLiteStore(db, logx.Nop())
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE job_execution_processes SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO job_execution_results").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err = st.CompleteExecution(context.Background(), Completion{
		Process: ProcessUpdate{ID: "p-1", Status: job.ProcessFailed},
		Result:  job.ExecutionResult{JobID: 1, Status: job.ResultFailed},
	})
	require.True(t, job.IsStore(err), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}
