// Package pipeline orchestrates the per-file processing chain: diagnose,
// convert, extract identifiers, stamp, validate, clean up.
//
// Every step is driven by the task queue and resumes from persisted state,
// so a crashed worker loses at most the stage in flight. State changes are
// committed before the follow-up task is enqueued; a duplicate delivery
// re-reads current state and converges instead of double-applying.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"cohortvault/internal/columnar"
	"cohortvault/internal/definition"
	"cohortvault/internal/diagnostics"
	"cohortvault/internal/identity"
	"cohortvault/internal/metrics"
	"cohortvault/internal/model"
	"cohortvault/internal/phi"
	"cohortvault/internal/run"
	"cohortvault/internal/storage"
	"cohortvault/internal/store"
	"cohortvault/internal/taskqueue"
	"cohortvault/internal/validate"
)

// Task kinds handled by the orchestrator.
const (
	TaskDiagnose = "file.diagnose"
	TaskProcess  = "file.process"
)

// pipelineUser is the actor recorded on PHI ledger entries written by
// automated stages.
const pipelineUser = "pipeline"

// DiagnosePayload identifies the file to diagnose.
type DiagnosePayload struct {
	FileID uuid.UUID `json:"fileId"`
}

// ProcessPayload carries the file through the post-diagnosis chain. The
// integrity facts ride in the payload so the stamp stage persists exactly
// what diagnosis measured, retries included.
type ProcessPayload struct {
	FileID    uuid.UUID `json:"fileId"`
	Checksum  string    `json:"checksum"`
	SizeBytes int64     `json:"sizeBytes"`
	RowCount  int       `json:"rowCount"`
	// Deferrals counts how often this delivery stepped aside for a run
	// already in flight.
	Deferrals int `json:"deferrals,omitempty"`
}

// ErrRunInFlight is returned when a file's validation cannot start because
// its current run is already running and the deferral budget is spent.
var ErrRunInFlight = errors.New("validation already running for this file")

// maxStartDeferrals bounds how often a delivery re-enqueues itself behind
// an in-flight run before giving up with ErrRunInFlight.
const maxStartDeferrals = 3

// ColumnStore is the read surface the pipeline needs from a built store.
// *columnar.Store satisfies it; orchestration tests substitute a fixture.
type ColumnStore interface {
	Columns(ctx context.Context) ([]string, error)
	ScanColumn(ctx context.Context, column string, fn func(columnar.ColumnValue) error) error
	DistinctNonEmpty(ctx context.Context, column string) ([]string, error)
	CountNonDistinct(ctx context.Context, column string) (total int, duplicates int, err error)
	Close() error
}

// StoreBuilder builds and locates columnar stores. *columnar.Converter is
// the production implementation.
type StoreBuilder interface {
	StorePath(tableID uuid.UUID) string
	Convert(ctx context.Context, tableID uuid.UUID, files []columnar.SourceFile) (path string, reused bool, err error)
	Remove(tableID uuid.UUID) error
}

// StoreOpener opens a built store for querying.
type StoreOpener func(path string) (ColumnStore, error)

// OpenColumnar is the production StoreOpener.
func OpenColumnar(path string) (ColumnStore, error) {
	return columnar.Open(path)
}

// Config holds the orchestrator's retry and PHI settings.
type Config struct {
	MaxRetries      int
	RetryBackoff    time.Duration
	CleanupDeadline time.Duration
}

// Orchestrator wires the pipeline components together and owns the task
// handlers for the per-file chain.
type Orchestrator struct {
	stores     store.Stores
	storage    storage.Service
	queue      taskqueue.Queue
	diagnoser  *diagnostics.Diagnoser
	builder    StoreBuilder
	open       StoreOpener
	identities *identity.Service
	engine     *validate.Engine
	runs       *run.Service
	tracker    *phi.Tracker
	cfg        Config
	log        *slog.Logger
}

func New(
	stores store.Stores,
	svc storage.Service,
	queue taskqueue.Queue,
	diagnoser *diagnostics.Diagnoser,
	builder StoreBuilder,
	open StoreOpener,
	identities *identity.Service,
	engine *validate.Engine,
	runs *run.Service,
	tracker *phi.Tracker,
	cfg Config,
	log *slog.Logger,
) *Orchestrator {
	if open == nil {
		open = OpenColumnar
	}
	return &Orchestrator{
		stores:     stores,
		storage:    svc,
		queue:      queue,
		diagnoser:  diagnoser,
		builder:    builder,
		open:       open,
		identities: identities,
		engine:     engine,
		runs:       runs,
		tracker:    tracker,
		cfg:        cfg,
		log:        log,
	}
}

// Register installs the orchestrator's task handlers, including the
// finalize follow-up enqueued by the run service on terminal transitions.
func (o *Orchestrator) Register(mux *taskqueue.Mux) {
	mux.Handle(TaskDiagnose, o.handleDiagnose)
	mux.Handle(TaskProcess, o.handleProcess)
	mux.Handle(run.TaskFinalize, o.handleFinalize)
}

// EnqueueDiagnose starts the pipeline for an uploaded file.
func (o *Orchestrator) EnqueueDiagnose(ctx context.Context, fileID uuid.UUID) error {
	err := o.queue.Enqueue(ctx, TaskDiagnose, DiagnosePayload{FileID: fileID}, taskqueue.Options{
		MaxRetries: o.cfg.MaxRetries,
		Backoff:    o.cfg.RetryBackoff,
	})
	if err != nil {
		return fmt.Errorf("enqueue diagnose: %w", err)
	}
	return nil
}

// Revalidate re-runs the full chain for a file. Files never stamped go
// back through diagnosis; stamped files skip straight to the chain.
func (o *Orchestrator) Revalidate(ctx context.Context, fileID uuid.UUID) error {
	file, err := o.stores.Files.GetFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("revalidate: %w", err)
	}
	if file.Checksum == "" {
		return o.EnqueueDiagnose(ctx, fileID)
	}
	return o.enqueueProcess(ctx, ProcessPayload{
		FileID:    file.ID,
		Checksum:  file.Checksum,
		SizeBytes: file.SizeBytes,
		RowCount:  file.RowCount,
	}, 0)
}

func (o *Orchestrator) enqueueProcess(ctx context.Context, payload ProcessPayload, delay time.Duration) error {
	err := o.queue.Enqueue(ctx, TaskProcess, payload, taskqueue.Options{
		MaxRetries: o.cfg.MaxRetries,
		Backoff:    o.cfg.RetryBackoff,
		Delay:      delay,
	})
	if err != nil {
		return fmt.Errorf("enqueue process: %w", err)
	}
	return nil
}

// handleDiagnose runs streaming diagnosis over the stored file.
//
// Structural failures reject the file with no retry. Integrity warnings
// gate the file: the chain is not enqueued until a corrected upload
// arrives. Clean files proceed to the processing chain with their
// integrity facts in the payload.
func (o *Orchestrator) handleDiagnose(ctx context.Context, task taskqueue.Task) error {
	var payload DiagnosePayload
	if err := task.Unmarshal(&payload); err != nil {
		return err
	}

	file, err := o.stores.Files.GetFile(ctx, payload.FileID)
	if errors.Is(err, store.ErrNotFound) {
		o.log.WarnContext(ctx, "diagnose for missing file", "file_id", payload.FileID)
		return nil
	}
	if err != nil {
		return o.stageError(ctx, task, file, nil, err)
	}

	if err := o.stores.Files.UpdateFileStatus(ctx, file.ID, model.FileDiagnosing, ""); err != nil {
		return o.stageError(ctx, task, file, nil, err)
	}

	timer := prometheus.NewTimer(metrics.DiagnosticsDuration)
	report, err := o.diagnoser.Diagnose(ctx,
		func() (io.ReadCloser, error) { return o.storage.Open(file.StoragePath) },
		func(p diagnostics.Progress) {
			o.log.DebugContext(ctx, "diagnosis progress",
				"file_id", file.ID, "pass", p.Pass, "bytes", p.BytesRead, "rows", p.Rows)
		})
	timer.ObserveDuration()

	if err != nil {
		if structural(err) {
			msg := MapError(err)
			o.log.InfoContext(ctx, "file rejected",
				"file_id", file.ID, "code", msg.Code, "error", err)
			return o.stores.Files.UpdateFileStatus(ctx, file.ID, model.FileRejected, msg.String())
		}
		return o.stageError(ctx, task, file, nil, err)
	}

	if report.HasIntegrityWarnings() {
		msg := MapError(fmt.Errorf("%d malformed rows", len(report.MalformedRows)))
		reason := fmt.Sprintf("%s: %d malformed rows (first at line %d)",
			msg.Code, len(report.MalformedRows), report.MalformedRows[0].Line)
		o.log.InfoContext(ctx, "file gated on integrity warnings",
			"file_id", file.ID, "malformed_rows", len(report.MalformedRows))
		return o.stores.Files.UpdateFileStatus(ctx, file.ID, model.FileGated, reason)
	}

	return o.enqueueProcess(ctx, ProcessPayload{
		FileID:    file.ID,
		Checksum:  report.SHA256,
		SizeBytes: report.SizeBytes,
		RowCount:  report.RowCount,
	}, 0)
}

type stage struct {
	name string
	fn   func(ctx context.Context, w *WorkflowContext) error
}

// handleProcess runs the ordered stage chain for one file. A stage error
// bubbles to the queue's retry wrapper; the final attempt marks the file
// and its run failed so nothing is left dangling in a non-terminal state.
func (o *Orchestrator) handleProcess(ctx context.Context, task taskqueue.Task) error {
	var payload ProcessPayload
	if err := task.Unmarshal(&payload); err != nil {
		return err
	}

	w, err := o.loadContext(ctx, payload)
	if errors.Is(err, store.ErrNotFound) {
		o.log.WarnContext(ctx, "process for missing file", "file_id", payload.FileID)
		return nil
	}
	if err != nil {
		return o.stageError(ctx, task, model.SubmissionFile{ID: payload.FileID}, nil, err)
	}
	defer w.closeStore()

	stages := []stage{
		{"convert", o.stageConvert},
		{"identify", o.stageIdentify},
		{"stamp", o.stageStamp},
		{"validate", o.stageValidate},
		{"cleanup", o.stageCleanup},
	}

	for _, st := range stages {
		if w.Stopped() {
			o.log.InfoContext(ctx, "pipeline short-circuit",
				"file_id", w.File.ID, "before", st.name, "reason", w.StopReason())
			return nil
		}
		start := time.Now()
		err := st.fn(ctx, w)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.StageDuration.WithLabelValues(st.name, outcome).Observe(time.Since(start).Seconds())
		if err != nil {
			// A rejected concurrent start leaves the in-flight run and
			// the file untouched.
			if errors.Is(err, ErrRunInFlight) {
				o.log.WarnContext(ctx, "start rejected, run in flight",
					"file_id", w.File.ID, "error", err)
				return err
			}
			return o.stageError(ctx, task, w.File, &w.Run, fmt.Errorf("%s: %w", st.name, err))
		}
	}
	return nil
}

// loadContext assembles the workflow context from persisted state plus the
// payload's integrity facts.
func (o *Orchestrator) loadContext(ctx context.Context, payload ProcessPayload) (*WorkflowContext, error) {
	file, err := o.stores.Files.GetFile(ctx, payload.FileID)
	if err != nil {
		return nil, err
	}
	table, err := o.stores.Files.GetTable(ctx, file.TableID)
	if err != nil {
		return nil, fmt.Errorf("load table: %w", err)
	}
	sub, err := o.stores.Files.GetSubmission(ctx, file.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}
	def, ok := definition.Get(table.TableType)
	if !ok {
		return nil, fmt.Errorf("unknown table type %q", table.TableType)
	}
	return &WorkflowContext{
		File:       file,
		Table:      table,
		Submission: sub,
		Definition: def,
		Checksum:   payload.Checksum,
		SizeBytes:  payload.SizeBytes,
		RowCount:   payload.RowCount,
		Deferrals:  payload.Deferrals,
	}, nil
}

// stageConvert ensures the run, builds or reuses the table's columnar
// store, records the PHI materialization, and opens the store for the
// stages that follow. A run already in flight for the file defers this
// delivery instead of resetting it mid-evaluation.
func (o *Orchestrator) stageConvert(ctx context.Context, w *WorkflowContext) error {
	owner := model.RunOwner{Kind: model.OwnerSubmissionFile, ID: w.File.ID}

	// The check below and the reset inside Ensure are not one atomic
	// step; two simultaneous deliveries can both pass it. Ensure keeps a
	// single run record either way, so the race duplicates work, never
	// runs.
	existing, err := o.stores.Runs.GetRunByOwner(ctx, owner)
	if err == nil && existing.Status == model.StatusRunning {
		if w.Deferrals >= maxStartDeferrals {
			return fmt.Errorf("run %s still running after %d deferrals: %w",
				existing.ID, w.Deferrals, ErrRunInFlight)
		}
		w.Stop("validation already running for this file")
		return o.enqueueProcess(ctx, ProcessPayload{
			FileID:    w.File.ID,
			Checksum:  w.Checksum,
			SizeBytes: w.SizeBytes,
			RowCount:  w.RowCount,
			Deferrals: w.Deferrals + 1,
		}, o.cfg.RetryBackoff)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check current run: %w", err)
	}

	vr, reset, err := o.runs.Ensure(ctx, owner)
	if err != nil {
		return err
	}
	w.Run = vr
	if reset {
		o.log.InfoContext(ctx, "previous run reset for re-validation",
			"file_id", w.File.ID, "run_id", vr.ID)
	}

	sources, err := o.sourceFiles(ctx, w)
	if err != nil {
		return err
	}

	path, reused, err := o.builder.Convert(ctx, w.Table.ID, sources)
	if err != nil {
		metrics.ColumnarBuilds.WithLabelValues("error").Inc()
		return err
	}
	if reused {
		metrics.ColumnarBuilds.WithLabelValues("reused").Inc()
	} else {
		metrics.ColumnarBuilds.WithLabelValues("built").Inc()
		o.recordStoreMaterialization(ctx, w, path)
	}

	if err := o.stores.Files.SetTableStorePath(ctx, w.Table.ID, path); err != nil {
		return fmt.Errorf("record store path: %w", err)
	}
	if err := o.stores.Files.UpdateTableStatus(ctx, w.Table.ID, model.TableProcessing); err != nil {
		return fmt.Errorf("mark table processing: %w", err)
	}
	if err := o.runs.Begin(ctx, vr.ID, path); err != nil {
		return err
	}
	w.Run.Status = model.StatusRunning
	w.StorePath = path
	w.StoreReused = reused

	w.SourceAbs = make(map[string]uuid.UUID, len(sources))
	for _, src := range sources {
		abs, err := o.storage.AbsolutePath(src.Path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", src.Path, err)
		}
		w.SourceAbs[abs] = src.ID
	}

	cs, err := o.open(path)
	if err != nil {
		return err
	}
	w.Store = cs
	return nil
}

// sourceFiles lists the files the table's store is built from: the current
// file plus, for multi-file tables, every sibling already stamped.
func (o *Orchestrator) sourceFiles(ctx context.Context, w *WorkflowContext) ([]columnar.SourceFile, error) {
	sources := []columnar.SourceFile{{
		ID:       w.File.ID,
		Path:     w.File.StoragePath,
		Checksum: w.Checksum,
	}}
	if !w.Definition.MultiFile {
		return sources, nil
	}

	siblings, err := o.stores.Files.ListFilesByTable(ctx, w.Table.ID)
	if err != nil {
		return nil, fmt.Errorf("list table files: %w", err)
	}
	for _, f := range siblings {
		if f.ID == w.File.ID || f.Checksum == "" {
			continue
		}
		if f.Status == model.FileRejected || f.Status == model.FileGated {
			continue
		}
		sources = append(sources, columnar.SourceFile{
			ID:       f.ID,
			Path:     f.StoragePath,
			Checksum: f.Checksum,
		})
	}
	return sources, nil
}

// recordStoreMaterialization appends the PHI ledger entry for a freshly
// built store. A rebuild retires the previous materialization of the same
// path first, so the sweep never reaps the live store off a stale record.
func (o *Orchestrator) recordStoreMaterialization(ctx context.Context, w *WorkflowContext, path string) {
	if prior, ok := o.priorMaterialization(ctx, w.Submission.CohortID, path); ok {
		o.tracker.RecordDeleted(ctx, w.Submission.CohortID, pipelineUser, path, prior.ID)
	}
	deadline := time.Now().Add(o.cfg.CleanupDeadline)
	o.tracker.RecordMaterialized(ctx, w.Submission.CohortID, pipelineUser, path, deadline)
}

// priorMaterialization finds the newest unpaired materialization record
// for a path within a cohort.
func (o *Orchestrator) priorMaterialization(ctx context.Context, cohortID uuid.UUID, path string) (model.PHIFileTrackingRecord, bool) {
	records, err := o.stores.PHI.ListByCohort(ctx, cohortID)
	if err != nil {
		o.log.WarnContext(ctx, "list phi records", "cohort_id", cohortID, "error", err)
		return model.PHIFileTrackingRecord{}, false
	}
	cleaned := make(map[uuid.UUID]bool)
	for _, r := range records {
		if r.Action == model.PHIDeleted && r.RelatedID != nil {
			cleaned[*r.RelatedID] = true
		}
	}
	var newest model.PHIFileTrackingRecord
	var found bool
	for _, r := range records {
		if r.Action != model.PHIMaterialized || r.Path != path || cleaned[r.ID] {
			continue
		}
		if !found || r.CreatedAt.After(newest.CreatedAt) {
			newest = r
			found = true
		}
	}
	return newest, found
}

// stageIdentify extracts patient identifiers from the store and
// cross-validates them against the submission universe. The authoritative
// table rebuilds the universe first, which resets every other file's
// identity record to pending.
func (o *Orchestrator) stageIdentify(ctx context.Context, w *WorkflowContext) error {
	if w.Definition.Authoritative {
		set, kind, err := o.identities.BuildUniverse(ctx, w.Definition, w.Store, w.Submission.ID, w.File.ID)
		if err != nil {
			return err
		}
		o.log.InfoContext(ctx, "patient universe rebuilt",
			"submission_id", w.Submission.ID, "identifiers", len(set.Identifiers), "match", kind.String())
	}

	if _, err := o.identities.ValidateFile(ctx, w.Definition, w.Store, w.Submission.ID, w.File.ID); err != nil {
		return err
	}
	return nil
}

// stageStamp persists the integrity facts measured during diagnosis onto
// the durable file record and marks the file converted.
func (o *Orchestrator) stageStamp(ctx context.Context, w *WorkflowContext) error {
	if err := o.stores.Files.StampFile(ctx, w.File.ID, w.Checksum, w.SizeBytes, w.RowCount); err != nil {
		return fmt.Errorf("stamp file: %w", err)
	}
	w.File.Checksum = w.Checksum
	w.File.SizeBytes = w.SizeBytes
	w.File.RowCount = w.RowCount
	return o.stores.Files.UpdateFileStatus(ctx, w.File.ID, model.FileConverted, "")
}

// stageValidate runs the variable validation engine against the store and
// completes the run. Findings complete the run; only pipeline failures
// fail it.
func (o *Orchestrator) stageValidate(ctx context.Context, w *WorkflowContext) error {
	if err := o.stores.Files.UpdateFileStatus(ctx, w.File.ID, model.FileValidating, ""); err != nil {
		return err
	}

	universe, err := o.identities.UniverseSet(ctx, w.Submission.ID)
	if err != nil {
		return err
	}

	err = o.engine.Validate(ctx, validate.Input{
		RunID:        w.Run.ID,
		Table:        w.Definition,
		Store:        w.Store,
		FileIDByPath: w.SourceAbs,
		Universe:     universe,
	})
	if err != nil {
		return err
	}

	finished, err := o.runs.Complete(ctx, w.Run.ID)
	if err != nil {
		return err
	}
	w.Run = finished
	return nil
}

// stageCleanup releases the chain's transient resources. Deadline-driven
// PHI cleanup stays with the sweep; this stage only closes what the chain
// itself opened.
func (o *Orchestrator) stageCleanup(ctx context.Context, w *WorkflowContext) error {
	w.closeStore()
	o.log.InfoContext(ctx, "pipeline chain complete",
		"file_id", w.File.ID, "run_id", w.Run.ID, "store_reused", w.StoreReused)
	return nil
}

// handleFinalize is the follow-up after a run reaches a terminal status:
// it settles the file's coarse status and advances the parent table.
func (o *Orchestrator) handleFinalize(ctx context.Context, task taskqueue.Task) error {
	var payload run.FinalizePayload
	if err := task.Unmarshal(&payload); err != nil {
		return err
	}

	runRec, err := o.stores.Runs.GetRun(ctx, payload.RunID)
	if errors.Is(err, store.ErrNotFound) {
		o.log.WarnContext(ctx, "finalize for missing run", "run_id", payload.RunID)
		return nil
	}
	if err != nil {
		return err
	}
	if runRec.Owner.Kind != model.OwnerSubmissionFile {
		return nil
	}

	fileStatus := model.FileValidated
	if runRec.Status == model.StatusFailed {
		fileStatus = model.FileFailed
	}
	if err := o.stores.Files.UpdateFileStatus(ctx, runRec.Owner.ID, fileStatus, runRec.Message); err != nil {
		return err
	}

	file, err := o.stores.Files.GetFile(ctx, runRec.Owner.ID)
	if err != nil {
		return err
	}
	tableStatus, err := o.runs.AdvanceTable(ctx, file.TableID)
	if err != nil {
		return err
	}
	o.log.InfoContext(ctx, "run finalized",
		"run_id", runRec.ID, "file_id", file.ID,
		"file_status", string(fileStatus), "table_status", string(tableStatus))
	return nil
}

// stageError settles terminal failure state on the last delivery attempt
// and hands the error back to the queue's retry wrapper.
func (o *Orchestrator) stageError(ctx context.Context, task taskqueue.Task, file model.SubmissionFile, runRec *model.ValidationRun, err error) error {
	lastAttempt := task.Attempt > task.MaxRetries
	if !lastAttempt {
		return err
	}

	msg := MapError(err)
	if runRec != nil && runRec.ID != uuid.Nil {
		if failErr := o.runs.Fail(ctx, runRec.ID, msg.String()); failErr != nil {
			o.log.ErrorContext(ctx, "fail run after exhausted retries",
				"run_id", runRec.ID, "error", failErr)
		}
	} else if file.ID != uuid.Nil {
		if updErr := o.stores.Files.UpdateFileStatus(ctx, file.ID, model.FileFailed, msg.String()); updErr != nil {
			o.log.ErrorContext(ctx, "mark file failed after exhausted retries",
				"file_id", file.ID, "error", updErr)
		}
	}
	return err
}

// structural reports whether a diagnosis error is a permanent property of
// the file bytes, never worth retrying.
func structural(err error) bool {
	return errors.Is(err, diagnostics.ErrEmptyFile) ||
		errors.Is(err, diagnostics.ErrUndecodable) ||
		errors.Is(err, diagnostics.ErrMissingHeader)
}
