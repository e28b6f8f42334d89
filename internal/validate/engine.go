// Package validate runs the per-variable rule checks of a validation run
// against a columnar store.
//
// Variables are independent: each gets its own column scan, its own check
// set, and its own failure domain. A panic or error in one variable marks
// that variable failed and leaves the rest of the run untouched.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cohortvault/internal/columnar"
	"cohortvault/internal/definition"
	"cohortvault/internal/model"
	"cohortvault/internal/store"
)

// DefaultSampleCap bounds the row locator sample stored per check.
const DefaultSampleCap = 20

// Engine evaluates every variable of a run.
type Engine struct {
	runs      store.RunStore
	log       *slog.Logger
	workers   int
	sampleCap int
	observer  Observer
}

// Observer receives engine lifecycle events, normally the metrics package.
type Observer interface {
	VariableDone(status model.RunStatus, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) VariableDone(model.RunStatus, time.Duration) {}

// New returns an engine running up to workers variables concurrently.
func New(runs store.RunStore, log *slog.Logger, workers int, observer Observer) *Engine {
	if workers < 1 {
		workers = 1
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Engine{
		runs:      runs,
		log:       log,
		workers:   workers,
		sampleCap: DefaultSampleCap,
		observer:  observer,
	}
}

// ColumnSource is the read surface the engine needs from a columnar
// store. *columnar.Store satisfies it; tests substitute a fixture.
type ColumnSource interface {
	Columns(ctx context.Context) ([]string, error)
	ScanColumn(ctx context.Context, column string, fn func(columnar.ColumnValue) error) error
}

// Input is everything one run evaluation needs.
type Input struct {
	RunID uuid.UUID
	Table definition.TableType
	Store ColumnSource

	// FileIDByPath maps a store's source_file value to the submission
	// file it came from, for PHI-safe row locators.
	FileIDByPath map[string]uuid.UUID

	// Universe is the submission's patient identifier set, consulted by
	// cross_file rules. Nil when the submission has no universe yet.
	Universe map[string]struct{}
}

// Validate evaluates every variable of the run and reports whether all of
// them completed without error-severity findings. The run's aggregate
// counters are not touched here; the run service recomputes them from the
// stored variables afterwards.
func (e *Engine) Validate(ctx context.Context, in Input) error {
	columns, err := in.Store.Columns(ctx)
	if err != nil {
		return fmt.Errorf("list store columns: %w", err)
	}

	vars := e.planVariables(in.Table, columns)
	if err := e.runs.ReplaceVariables(ctx, in.RunID, vars); err != nil {
		return fmt.Errorf("seed variables: %w", err)
	}

	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, v := range vars {
		g.Go(func() error {
			e.evaluateVariable(gctx, in, v, present[v.ColumnName])
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("validate run %s: %w", in.RunID, err)
	}
	return nil
}

// planVariables derives the variable set from the definition and the store
// header: every defined column plus every unexpected column in the data.
func (e *Engine) planVariables(table definition.TableType, columns []string) []model.ValidationVariable {
	var vars []model.ValidationVariable
	for _, def := range table.Variables {
		vars = append(vars, model.ValidationVariable{
			ID:         uuid.New(),
			ColumnName: def.Name,
			ColumnType: string(def.Type),
			Label:      def.Label,
			Status:     model.StatusPending,
		})
	}
	for _, c := range columns {
		if _, ok := table.Variable(c); !ok {
			vars = append(vars, model.ValidationVariable{
				ID:         uuid.New(),
				ColumnName: c,
				ColumnType: string(definition.ColumnText),
				Label:      c,
				Status:     model.StatusPending,
			})
		}
	}
	return vars
}

// evaluateVariable runs one variable end to end. Never returns an error:
// failures are recorded on the variable itself.
func (e *Engine) evaluateVariable(ctx context.Context, in Input, v model.ValidationVariable, present bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(ctx, "variable evaluation panicked",
				"run_id", in.RunID, "column", v.ColumnName, "panic", r)
			v.Status = model.StatusFailed
			v.Summary = "internal error during evaluation"
			if err := e.runs.UpdateVariable(ctx, v); err != nil {
				e.log.ErrorContext(ctx, "record panicked variable", "error", err)
			}
			e.observer.VariableDone(model.StatusFailed, time.Since(start))
		}
	}()

	v.Status = model.StatusRunning
	if err := e.runs.UpdateVariable(ctx, v); err != nil {
		e.log.ErrorContext(ctx, "mark variable running", "column", v.ColumnName, "error", err)
	}

	updated, err := e.checkColumn(ctx, in, v, present)
	if err != nil {
		e.log.ErrorContext(ctx, "variable evaluation failed",
			"run_id", in.RunID, "column", v.ColumnName, "error", err)
		v.Status = model.StatusFailed
		v.Summary = "evaluation failed"
		if uerr := e.runs.UpdateVariable(ctx, v); uerr != nil {
			e.log.ErrorContext(ctx, "record failed variable", "error", uerr)
		}
		e.observer.VariableDone(model.StatusFailed, time.Since(start))
		return
	}

	if err := e.runs.UpdateVariable(ctx, updated); err != nil {
		e.log.ErrorContext(ctx, "record variable result", "column", v.ColumnName, "error", err)
	}
	e.observer.VariableDone(updated.Status, time.Since(start))
}

func (e *Engine) checkColumn(ctx context.Context, in Input, v model.ValidationVariable, present bool) (model.ValidationVariable, error) {
	def, defined := in.Table.Variable(v.ColumnName)

	if !present {
		severity := model.SeverityWarning
		if def.Required {
			severity = model.SeverityError
		}
		check := model.ValidationCheck{
			ID:         uuid.New(),
			VariableID: v.ID,
			RuleKey:    "column_present",
			Passed:     false,
			Severity:   severity,
			Message:    "column is missing from the submitted data",
		}
		if err := e.runs.ReplaceChecks(ctx, v.ID, []model.ValidationCheck{check}); err != nil {
			return v, fmt.Errorf("store checks: %w", err)
		}
		if severity == model.SeverityError {
			v.ErrorCount = 1
		} else {
			v.WarningCount = 1
		}
		v.Status = model.StatusCompleted
		v.Summary = "column missing"
		return v, nil
	}

	var evals []ruleEval
	if defined {
		for _, rule := range def.Rules {
			ev, err := newRuleEval(rule, def.Type, in.Universe, e.sampleCap)
			if err != nil {
				return v, fmt.Errorf("rule %s on %s: %w", rule.Key, v.ColumnName, err)
			}
			evals = append(evals, ev)
		}
	}

	typeViolations := violations{limit: e.sampleCap}
	scan := func(cv columnar.ColumnValue) error {
		c := cell{
			ref: model.RowRef{
				FileID: in.FileIDByPath[cv.SourceFile],
				Row:    int(cv.RowToken),
			},
			raw: cv.Value,
		}
		if cv.Value == nil {
			c.null = true
			v.NullCount++
		} else {
			c.trim = strings.TrimSpace(*cv.Value)
			if c.trim == "" {
				c.empty = true
				v.EmptyCount++
			}
		}
		v.TotalCount++

		if !c.null && !c.empty && defined && !coercible(def.Type, c.trim) {
			typeViolations.add(c.ref)
		}
		for _, ev := range evals {
			ev.observe(c)
		}
		return ctx.Err()
	}
	if err := in.Store.ScanColumn(ctx, v.ColumnName, scan); err != nil {
		return v, err
	}

	var checks []model.ValidationCheck
	results := make([]checkResult, 0, len(evals)+2)

	if defined && def.Type != definition.ColumnText {
		results = append(results, typeResult(def.Type, typeViolations))
	}
	if !defined {
		results = append(results, checkResult{
			RuleKey:      "unknown_column",
			Passed:       false,
			Severity:     model.SeverityWarning,
			Message:      "column is not part of the table definition",
			AffectedRows: v.TotalCount,
		})
	}
	for _, ev := range evals {
		results = append(results, ev.result())
	}

	for _, res := range results {
		checks = append(checks, model.ValidationCheck{
			ID:           uuid.New(),
			VariableID:   v.ID,
			RuleKey:      res.RuleKey,
			Params:       res.Params,
			Passed:       res.Passed,
			Severity:     res.Severity,
			Message:      res.Message,
			AffectedRows: res.AffectedRows,
			RowRefs:      res.Sample,
		})
		if !res.Passed {
			switch res.Severity {
			case model.SeverityError:
				v.ErrorCount += res.AffectedRows
			default:
				v.WarningCount += res.AffectedRows
			}
		}
	}
	if err := e.runs.ReplaceChecks(ctx, v.ID, checks); err != nil {
		return v, fmt.Errorf("store checks: %w", err)
	}

	v.InvalidCount = typeViolations.count
	v.ValidCount = v.TotalCount - v.NullCount - v.EmptyCount - v.InvalidCount
	v.Status = model.StatusCompleted
	v.Summary = summarize(v, len(checks))
	return v, nil
}

func coercible(t definition.ColumnType, s string) bool {
	switch t {
	case definition.ColumnNumeric:
		_, ok := CoerceNumeric(s)
		return ok
	case definition.ColumnDate:
		_, ok := CoerceDate(s)
		return ok
	case definition.ColumnBool:
		_, ok := CoerceBool(s)
		return ok
	}
	return true
}

func typeResult(t definition.ColumnType, v violations) checkResult {
	res := checkResult{
		RuleKey:      "type",
		Params:       map[string]any{"type": string(t)},
		Severity:     model.SeverityError,
		AffectedRows: v.count,
		Sample:       v.sample,
	}
	if v.count == 0 {
		res.Passed = true
		res.Message = fmt.Sprintf("all values parse as %s", t)
		return res
	}
	res.Message = fmt.Sprintf("%d values do not parse as %s", v.count, t)
	return res
}

func summarize(v model.ValidationVariable, checksRun int) string {
	switch {
	case v.ErrorCount > 0:
		return fmt.Sprintf("%d errors across %d checks", v.ErrorCount, checksRun)
	case v.WarningCount > 0:
		return fmt.Sprintf("%d warnings across %d checks", v.WarningCount, checksRun)
	default:
		return fmt.Sprintf("passed %d checks", checksRun)
	}
}
