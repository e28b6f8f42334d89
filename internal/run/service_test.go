package run

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"cohortvault/internal/model"
	"cohortvault/internal/store"
	"cohortvault/internal/store/memory"
	"cohortvault/internal/taskqueue"
)

type RunServiceSuite struct {
	suite.Suite
	stores store.Stores
	queue  *taskqueue.Memory
	svc    *Service
	ctx    context.Context
}

func (s *RunServiceSuite) SetupTest() {
	s.stores = memory.NewStores()
	s.queue = taskqueue.NewMemory(16)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s.svc = NewService(s.stores, s.queue, log)
	s.ctx = context.Background()
}

func (s *RunServiceSuite) TearDownTest() {
	s.queue.Close()
}

func TestRunServiceSuite(t *testing.T) {
	suite.Run(t, new(RunServiceSuite))
}

func (s *RunServiceSuite) seedVariables(runID uuid.UUID, vars ...model.ValidationVariable) {
	s.Require().NoError(s.stores.Runs.ReplaceVariables(s.ctx, runID, vars))
}

func (s *RunServiceSuite) TestRevalidationReusesRun() {
	owner := model.RunOwner{Kind: model.OwnerSubmissionFile, ID: uuid.New()}

	first, reset, err := s.svc.Ensure(s.ctx, owner)
	s.Require().NoError(err)
	s.False(reset)

	s.Require().NoError(s.svc.Begin(s.ctx, first.ID, "/stores/a.duckdb"))
	s.seedVariables(first.ID, model.ValidationVariable{
		ID: uuid.New(), ColumnName: "sex", Status: model.StatusCompleted,
	})
	_, err = s.svc.Complete(s.ctx, first.ID)
	s.Require().NoError(err)

	second, reset, err := s.svc.Ensure(s.ctx, owner)
	s.Require().NoError(err)
	s.True(reset)
	s.Equal(first.ID, second.ID, "re-validation must not mint a second run")
	s.Equal(model.StatusPending, second.Status)

	vars, err := s.stores.Runs.ListVariables(s.ctx, second.ID)
	s.Require().NoError(err)
	s.Empty(vars, "reset must drop stale variables")
}

func (s *RunServiceSuite) TestCompleteDerivesMessageAndEnqueuesFinalize() {
	owner := model.RunOwner{Kind: model.OwnerSubmissionFile, ID: uuid.New()}
	run, _, err := s.svc.Ensure(s.ctx, owner)
	s.Require().NoError(err)

	s.seedVariables(run.ID,
		model.ValidationVariable{ID: uuid.New(), ColumnName: "a", Status: model.StatusCompleted},
		model.ValidationVariable{ID: uuid.New(), ColumnName: "b", Status: model.StatusCompleted, ErrorCount: 4},
	)

	got, err := s.svc.Complete(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(model.StatusCompleted, got.Status)
	s.Equal(2, got.TotalVariables)
	s.Equal(2, got.CompletedVariables)
	s.Equal(1, got.ErrorVariables)
	s.Contains(got.Message, "with errors")

	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	task, err := s.queue.Dequeue(ctx)
	s.Require().NoError(err, "terminal transition must enqueue the finalize task")
	s.Equal(TaskFinalize, task.Kind)

	var payload FinalizePayload
	s.Require().NoError(task.Unmarshal(&payload))
	s.Equal(run.ID, payload.RunID)
}

func (s *RunServiceSuite) TestCompletedAndFailedAccountForAllVariables() {
	owner := model.RunOwner{Kind: model.OwnerSubmissionFile, ID: uuid.New()}
	run, _, err := s.svc.Ensure(s.ctx, owner)
	s.Require().NoError(err)

	s.seedVariables(run.ID,
		model.ValidationVariable{ID: uuid.New(), ColumnName: "a", Status: model.StatusCompleted},
		model.ValidationVariable{ID: uuid.New(), ColumnName: "b", Status: model.StatusFailed},
		model.ValidationVariable{ID: uuid.New(), ColumnName: "c", Status: model.StatusCompleted, WarningCount: 1},
	)

	got, err := s.svc.Complete(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(got.TotalVariables, got.CompletedVariables,
		"every variable must land in a terminal state")
}

func (s *RunServiceSuite) TestFailIsTerminal() {
	owner := model.RunOwner{Kind: model.OwnerSubmissionFile, ID: uuid.New()}
	run, _, err := s.svc.Ensure(s.ctx, owner)
	s.Require().NoError(err)

	s.Require().NoError(s.svc.Fail(s.ctx, run.ID, "conversion failed"))

	got, err := s.stores.Runs.GetRun(s.ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(model.StatusFailed, got.Status)
	s.Equal("conversion failed", got.Message)

	_, err = s.svc.Complete(s.ctx, run.ID)
	s.Require().Error(err, "failed run must not flip to completed without a reset")
}

func (s *RunServiceSuite) newTableWithFile() (model.DataTable, model.SubmissionFile) {
	sub := model.Submission{ID: uuid.New(), CohortID: uuid.New(), ProtocolYear: 2026, CreatedAt: time.Now()}
	require.NoError(s.T(), s.stores.Files.CreateSubmission(s.ctx, sub))

	table := model.DataTable{ID: uuid.New(), SubmissionID: sub.ID, TableType: "labs", Status: model.TableProcessing}
	require.NoError(s.T(), s.stores.Files.CreateTable(s.ctx, table))

	file := model.SubmissionFile{
		ID: uuid.New(), TableID: table.ID, SubmissionID: sub.ID,
		FileName: "labs.csv", StoragePath: "labs.csv",
		Status: model.FileValidating, UploadedAt: time.Now(),
	}
	require.NoError(s.T(), s.stores.Files.CreateFile(s.ctx, file))
	return table, file
}

func (s *RunServiceSuite) TestAdvanceTable() {
	s.Run("clean run validates the table", func() {
		table, file := s.newTableWithFile()
		run, _, err := s.svc.Ensure(s.ctx, model.RunOwner{Kind: model.OwnerSubmissionFile, ID: file.ID})
		s.Require().NoError(err)
		s.seedVariables(run.ID, model.ValidationVariable{ID: uuid.New(), ColumnName: "a", Status: model.StatusCompleted})
		_, err = s.svc.Complete(s.ctx, run.ID)
		s.Require().NoError(err)

		status, err := s.svc.AdvanceTable(s.ctx, table.ID)
		s.Require().NoError(err)
		s.Equal(model.TableValidated, status)
	})

	s.Run("error findings mark the table has_errors", func() {
		table, file := s.newTableWithFile()
		run, _, err := s.svc.Ensure(s.ctx, model.RunOwner{Kind: model.OwnerSubmissionFile, ID: file.ID})
		s.Require().NoError(err)
		s.seedVariables(run.ID, model.ValidationVariable{ID: uuid.New(), ColumnName: "a", Status: model.StatusCompleted, ErrorCount: 2})
		_, err = s.svc.Complete(s.ctx, run.ID)
		s.Require().NoError(err)

		status, err := s.svc.AdvanceTable(s.ctx, table.ID)
		s.Require().NoError(err)
		s.Equal(model.TableHasErrors, status)
	})

	s.Run("pipeline failure marks the table failed", func() {
		table, file := s.newTableWithFile()
		run, _, err := s.svc.Ensure(s.ctx, model.RunOwner{Kind: model.OwnerSubmissionFile, ID: file.ID})
		s.Require().NoError(err)
		s.Require().NoError(s.svc.Fail(s.ctx, run.ID, "store build failed"))

		status, err := s.svc.AdvanceTable(s.ctx, table.ID)
		s.Require().NoError(err)
		s.Equal(model.TableFailed, status)
	})

	s.Run("file without a run keeps the table processing", func() {
		table, _ := s.newTableWithFile()
		status, err := s.svc.AdvanceTable(s.ctx, table.ID)
		s.Require().NoError(err)
		s.Equal(model.TableProcessing, status)
	})
}
