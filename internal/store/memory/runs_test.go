package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"cohortvault/internal/model"
	"cohortvault/internal/store"
)

type RunStoreSuite struct {
	suite.Suite
	store *RunStore
	ctx   context.Context
}

func (s *RunStoreSuite) SetupTest() {
	s.store = NewRunStore()
	s.ctx = context.Background()
}

func TestRunStoreSuite(t *testing.T) {
	suite.Run(t, new(RunStoreSuite))
}

func fileOwner() model.RunOwner {
	return model.RunOwner{Kind: model.OwnerSubmissionFile, ID: uuid.New()}
}

func (s *RunStoreSuite) TestEnsureRun() {
	s.Run("creates a pending run for a new owner", func() {
		owner := fileOwner()
		run, reset, err := s.store.EnsureRun(s.ctx, owner)
		s.Require().NoError(err)
		s.False(reset)
		s.Equal(model.StatusPending, run.Status)
		s.Equal(owner, run.Owner)
	})

	s.Run("resets the existing run under the same ID", func() {
		owner := fileOwner()
		first, _, err := s.store.EnsureRun(s.ctx, owner)
		s.Require().NoError(err)

		s.Require().NoError(s.store.StartRun(s.ctx, first.ID, "/tmp/store.duckdb", time.Now()))
		s.Require().NoError(s.store.FinishRun(s.ctx, first.ID, model.StatusCompleted, "done", time.Now()))

		second, reset, err := s.store.EnsureRun(s.ctx, owner)
		s.Require().NoError(err)
		s.True(reset)
		s.Equal(first.ID, second.ID, "re-validation must reuse the run ID")
		s.Equal(model.StatusPending, second.Status)
		s.Empty(second.StorePath)
		s.Nil(second.StartedAt)
		s.Nil(second.CompletedAt)
	})

	s.Run("reset clears variables and checks", func() {
		owner := fileOwner()
		run, _, err := s.store.EnsureRun(s.ctx, owner)
		s.Require().NoError(err)

		v := model.ValidationVariable{ID: uuid.New(), ColumnName: "sex", Status: model.StatusCompleted}
		s.Require().NoError(s.store.ReplaceVariables(s.ctx, run.ID, []model.ValidationVariable{v}))
		s.Require().NoError(s.store.ReplaceChecks(s.ctx, v.ID, []model.ValidationCheck{
			{ID: uuid.New(), RuleKey: "required", Passed: true},
		}))

		_, reset, err := s.store.EnsureRun(s.ctx, owner)
		s.Require().NoError(err)
		s.True(reset)

		vars, err := s.store.ListVariables(s.ctx, run.ID)
		s.Require().NoError(err)
		s.Empty(vars)
	})

	s.Run("distinct owners get distinct runs", func() {
		a, _, err := s.store.EnsureRun(s.ctx, fileOwner())
		s.Require().NoError(err)
		b, _, err := s.store.EnsureRun(s.ctx, model.RunOwner{Kind: model.OwnerPrecheck, ID: uuid.New()})
		s.Require().NoError(err)
		s.NotEqual(a.ID, b.ID)
	})
}

func (s *RunStoreSuite) TestFinishRun() {
	s.Run("terminal status sticks", func() {
		run, _, err := s.store.EnsureRun(s.ctx, fileOwner())
		s.Require().NoError(err)

		s.Require().NoError(s.store.FinishRun(s.ctx, run.ID, model.StatusFailed, "conversion failed", time.Now()))

		err = s.store.FinishRun(s.ctx, run.ID, model.StatusCompleted, "", time.Now())
		s.Require().ErrorIs(err, store.ErrConflict)
	})

	s.Run("unknown run returns ErrNotFound", func() {
		err := s.store.FinishRun(s.ctx, uuid.New(), model.StatusFailed, "", time.Now())
		s.Require().ErrorIs(err, store.ErrNotFound)
	})
}

func (s *RunStoreSuite) TestRecomputeAggregates() {
	s.Run("derives counters from variable state", func() {
		run, _, err := s.store.EnsureRun(s.ctx, fileOwner())
		s.Require().NoError(err)

		vars := []model.ValidationVariable{
			{ID: uuid.New(), ColumnName: "a", Status: model.StatusCompleted},
			{ID: uuid.New(), ColumnName: "b", Status: model.StatusCompleted, WarningCount: 2},
			{ID: uuid.New(), ColumnName: "c", Status: model.StatusFailed, ErrorCount: 1},
			{ID: uuid.New(), ColumnName: "d", Status: model.StatusRunning},
		}
		s.Require().NoError(s.store.ReplaceVariables(s.ctx, run.ID, vars))

		got, err := s.store.RecomputeAggregates(s.ctx, run.ID)
		s.Require().NoError(err)
		s.Equal(4, got.TotalVariables)
		s.Equal(3, got.CompletedVariables)
		s.Equal(1, got.WarningVariables)
		s.Equal(1, got.ErrorVariables)
	})

	s.Run("is idempotent", func() {
		run, _, err := s.store.EnsureRun(s.ctx, fileOwner())
		s.Require().NoError(err)
		s.Require().NoError(s.store.ReplaceVariables(s.ctx, run.ID, []model.ValidationVariable{
			{ID: uuid.New(), ColumnName: "a", Status: model.StatusCompleted},
		}))

		first, err := s.store.RecomputeAggregates(s.ctx, run.ID)
		s.Require().NoError(err)
		second, err := s.store.RecomputeAggregates(s.ctx, run.ID)
		s.Require().NoError(err)
		s.Equal(first.TotalVariables, second.TotalVariables)
		s.Equal(first.CompletedVariables, second.CompletedVariables)
		s.Equal(first.WarningVariables, second.WarningVariables)
		s.Equal(first.ErrorVariables, second.ErrorVariables)
	})
}

func (s *RunStoreSuite) TestChecksReplaced() {
	run, _, err := s.store.EnsureRun(s.ctx, fileOwner())
	s.Require().NoError(err)

	v := model.ValidationVariable{ID: uuid.New(), ColumnName: "icdCode"}
	s.Require().NoError(s.store.ReplaceVariables(s.ctx, run.ID, []model.ValidationVariable{v}))

	first := []model.ValidationCheck{
		{ID: uuid.New(), RuleKey: "required", Passed: false, AffectedRows: 3},
		{ID: uuid.New(), RuleKey: "regex", Passed: true},
	}
	s.Require().NoError(s.store.ReplaceChecks(s.ctx, v.ID, first))

	second := []model.ValidationCheck{
		{ID: uuid.New(), RuleKey: "required", Passed: true},
	}
	s.Require().NoError(s.store.ReplaceChecks(s.ctx, v.ID, second))

	got, err := s.store.ListChecks(s.ctx, v.ID)
	s.Require().NoError(err)
	s.Require().Len(got, 1, "re-running a variable replaces its checks, never appends")
	s.Equal("required", got[0].RuleKey)
	s.True(got[0].Passed)
}
