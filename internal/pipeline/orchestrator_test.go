package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"cohortvault/internal/columnar"
	_ "cohortvault/internal/definition/tables"
	"cohortvault/internal/diagnostics"
	"cohortvault/internal/identity"
	"cohortvault/internal/model"
	"cohortvault/internal/phi"
	"cohortvault/internal/run"
	"cohortvault/internal/storage"
	"cohortvault/internal/store"
	"cohortvault/internal/store/memory"
	"cohortvault/internal/taskqueue"
	"cohortvault/internal/validate"
)

// fakeStore serves a CSV file from disk through the ColumnStore surface,
// standing in for a built columnar store.
type fakeStore struct {
	source  string
	columns []string
	rows    [][]string
}

func openFakeStore(csvPath string) (*fakeStore, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	fs := &fakeStore{source: csvPath, columns: records[0]}
	if len(records) > 1 {
		fs.rows = records[1:]
	}
	return fs, nil
}

func (s *fakeStore) Columns(context.Context) ([]string, error) { return s.columns, nil }

func (s *fakeStore) index(column string) int {
	for i, c := range s.columns {
		if c == column {
			return i
		}
	}
	return -1
}

func (s *fakeStore) ScanColumn(_ context.Context, column string, fn func(columnar.ColumnValue) error) error {
	idx := s.index(column)
	for i, row := range s.rows {
		var value *string
		if idx >= 0 && idx < len(row) && row[idx] != "" {
			v := row[idx]
			value = &v
		}
		if err := fn(columnar.ColumnValue{SourceFile: s.source, RowToken: int64(i + 1), Value: value}); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) DistinctNonEmpty(_ context.Context, column string) ([]string, error) {
	idx := s.index(column)
	seen := make(map[string]bool)
	var out []string
	for _, row := range s.rows {
		if idx < 0 || idx >= len(row) || row[idx] == "" {
			continue
		}
		if !seen[row[idx]] {
			seen[row[idx]] = true
			out = append(out, row[idx])
		}
	}
	return out, nil
}

func (s *fakeStore) CountNonDistinct(_ context.Context, column string) (int, int, error) {
	idx := s.index(column)
	total := 0
	seen := make(map[string]bool)
	for _, row := range s.rows {
		if idx < 0 || idx >= len(row) || row[idx] == "" {
			continue
		}
		total++
		seen[row[idx]] = true
	}
	return total, total - len(seen), nil
}

func (s *fakeStore) Close() error { return nil }

// fakeBuilder tracks conversions and mimics the converter's reuse check.
type fakeBuilder struct {
	dir       string
	builds    int
	reuses    int
	failWith  error
	manifests map[uuid.UUID]map[uuid.UUID]string
}

func newFakeBuilder(dir string) *fakeBuilder {
	return &fakeBuilder{dir: dir, manifests: make(map[uuid.UUID]map[uuid.UUID]string)}
}

func (b *fakeBuilder) StorePath(tableID uuid.UUID) string {
	return filepath.Join(b.dir, tableID.String()+".duckdb")
}

func (b *fakeBuilder) Convert(_ context.Context, tableID uuid.UUID, files []columnar.SourceFile) (string, bool, error) {
	if b.failWith != nil {
		return "", false, b.failWith
	}
	manifest := make(map[uuid.UUID]string, len(files))
	for _, f := range files {
		manifest[f.ID] = f.Checksum
	}
	if prev, ok := b.manifests[tableID]; ok && len(prev) == len(manifest) {
		same := true
		for id, sum := range manifest {
			if prev[id] != sum {
				same = false
				break
			}
		}
		if same {
			b.reuses++
			return b.StorePath(tableID), true, nil
		}
	}
	b.manifests[tableID] = manifest
	b.builds++
	return b.StorePath(tableID), false, nil
}

func (b *fakeBuilder) Remove(tableID uuid.UUID) error {
	delete(b.manifests, tableID)
	return nil
}

type OrchestratorSuite struct {
	suite.Suite
	ctx     context.Context
	stores  store.Stores
	storage storage.Service
	builder *fakeBuilder
	orch    *Orchestrator

	// csvAbs is the file the fake opener serves, set by uploadCSV.
	csvAbs string
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	s.ctx = context.Background()
	s.stores = memory.NewStores()

	tmp := s.T().TempDir()
	svc, err := storage.NewLocal(filepath.Join(tmp, "uploads"))
	s.Require().NoError(err)
	s.storage = svc
	s.builder = newFakeBuilder(filepath.Join(tmp, "columnar"))

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mux := taskqueue.NewMux()
	queue := taskqueue.NewSync(mux)

	runSvc := run.NewService(s.stores, queue, log)
	engine := validate.New(s.stores.Runs, log, 2, nil)
	identities := identity.NewService(s.stores.Identities, log)
	tracker := phi.NewTracker(s.stores.PHI, log)

	opener := func(string) (ColumnStore, error) { return openFakeStore(s.csvAbs) }

	s.orch = New(s.stores, s.storage, queue, diagnostics.New(), s.builder, opener,
		identities, engine, runSvc, tracker,
		Config{MaxRetries: 0, RetryBackoff: time.Millisecond, CleanupDeadline: time.Hour},
		log)
	s.orch.Register(mux)
}

// uploadCSV registers a submission, table, and file, and stores the bytes.
func (s *OrchestratorSuite) uploadCSV(tableType, name, content string) (model.Submission, model.DataTable, model.SubmissionFile) {
	sub := model.Submission{ID: uuid.New(), CohortID: uuid.New(), ProtocolYear: 2026, CreatedAt: time.Now()}
	s.Require().NoError(s.stores.Files.CreateSubmission(s.ctx, sub))

	table := model.DataTable{ID: uuid.New(), SubmissionID: sub.ID, TableType: tableType, Status: model.TableAwaitingFiles}
	s.Require().NoError(s.stores.Files.CreateTable(s.ctx, table))

	rel := filepath.Join(sub.ID.String(), name)
	stored, err := s.storage.Save(rel, strings.NewReader(content))
	s.Require().NoError(err)

	file := model.SubmissionFile{
		ID: uuid.New(), TableID: table.ID, SubmissionID: sub.ID,
		FileName: name, StoragePath: stored,
		Status: model.FileUploaded, UploadedAt: time.Now(),
	}
	s.Require().NoError(s.stores.Files.CreateFile(s.ctx, file))

	abs, err := s.storage.AbsolutePath(stored)
	s.Require().NoError(err)
	s.csvAbs = abs
	return sub, table, file
}

const cleanPatientCSV = `cohortPatientId,birthYear,sex,enrollmentDate
P1,1975,M,2024-01-15
P2,1982,F,2024-02-20
P3,1990,O,2024-03-05
`

func (s *OrchestratorSuite) TestHappyPathChain() {
	sub, table, file := s.uploadCSV("patient", "patients.csv", cleanPatientCSV)

	s.Require().NoError(s.orch.EnqueueDiagnose(s.ctx, file.ID))

	got, err := s.stores.Files.GetFile(s.ctx, file.ID)
	s.Require().NoError(err)
	s.Equal(model.FileValidated, got.Status)
	s.NotEmpty(got.Checksum, "stamp stage must persist the checksum")
	s.Equal(3, got.RowCount)

	gotTable, err := s.stores.Files.GetTable(s.ctx, table.ID)
	s.Require().NoError(err)
	s.Equal(model.TableValidated, gotTable.Status)
	s.Equal(s.builder.StorePath(table.ID), gotTable.StorePath)

	runRec, err := s.stores.Runs.GetRunByOwner(s.ctx, model.RunOwner{Kind: model.OwnerSubmissionFile, ID: file.ID})
	s.Require().NoError(err)
	s.Equal(model.StatusCompleted, runRec.Status)
	s.Equal(runRec.TotalVariables, runRec.CompletedVariables)
	s.Zero(runRec.ErrorVariables)

	universe, err := s.stores.Identities.GetUniverse(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.ElementsMatch([]string{"P1", "P2", "P3"}, universe.Identifiers)

	identities, err := s.stores.Identities.GetFileIdentities(s.ctx, file.ID)
	s.Require().NoError(err)
	s.Equal(model.IdentityValid, identities.Status)

	records, err := s.stores.PHI.ListByCohort(s.ctx, sub.CohortID)
	s.Require().NoError(err)
	s.Require().Len(records, 1, "a fresh store build must be recorded in the PHI ledger")
	s.Equal(model.PHIMaterialized, records[0].Action)
	s.Equal(s.builder.StorePath(table.ID), records[0].Path)
}

func (s *OrchestratorSuite) TestStructuralRejection() {
	_, _, file := s.uploadCSV("patient", "empty.csv", "")

	s.Require().NoError(s.orch.EnqueueDiagnose(s.ctx, file.ID))

	got, err := s.stores.Files.GetFile(s.ctx, file.ID)
	s.Require().NoError(err)
	s.Equal(model.FileRejected, got.Status)
	s.Contains(got.StatusReason, "STR001")

	_, err = s.stores.Runs.GetRunByOwner(s.ctx, model.RunOwner{Kind: model.OwnerSubmissionFile, ID: file.ID})
	s.ErrorIs(err, store.ErrNotFound, "a rejected file must never reach the run state machine")
	s.Zero(s.builder.builds)
}

func (s *OrchestratorSuite) TestIntegrityWarningsGateConversion() {
	malformed := cleanPatientCSV + "P4,1991\n"
	_, _, file := s.uploadCSV("patient", "patients.csv", malformed)

	s.Require().NoError(s.orch.EnqueueDiagnose(s.ctx, file.ID))

	got, err := s.stores.Files.GetFile(s.ctx, file.ID)
	s.Require().NoError(err)
	s.Equal(model.FileGated, got.Status)
	s.Contains(got.StatusReason, "INT001")

	s.Zero(s.builder.builds, "gated files must not be converted")
	_, err = s.stores.Runs.GetRunByOwner(s.ctx, model.RunOwner{Kind: model.OwnerSubmissionFile, ID: file.ID})
	s.ErrorIs(err, store.ErrNotFound)
}

func (s *OrchestratorSuite) TestRevalidationReusesRunAndStore() {
	sub, _, file := s.uploadCSV("patient", "patients.csv", cleanPatientCSV)

	s.Require().NoError(s.orch.EnqueueDiagnose(s.ctx, file.ID))
	owner := model.RunOwner{Kind: model.OwnerSubmissionFile, ID: file.ID}
	first, err := s.stores.Runs.GetRunByOwner(s.ctx, owner)
	s.Require().NoError(err)

	s.Require().NoError(s.orch.Revalidate(s.ctx, file.ID))

	second, err := s.stores.Runs.GetRunByOwner(s.ctx, owner)
	s.Require().NoError(err)
	s.Equal(first.ID, second.ID, "re-validation must reset the run, not mint a new one")
	s.Equal(model.StatusCompleted, second.Status)

	s.Equal(1, s.builder.builds)
	s.Equal(1, s.builder.reuses, "an unchanged file set must reuse the store")

	records, err := s.stores.PHI.ListByCohort(s.ctx, sub.CohortID)
	s.Require().NoError(err)
	s.Len(records, 1, "a reused store must not be re-recorded as a materialization")
}

func (s *OrchestratorSuite) TestConversionFailureSettlesTerminalState() {
	_, table, file := s.uploadCSV("patient", "patients.csv", cleanPatientCSV)
	s.builder.failWith = errors.New("columnar store build failed: disk full")

	err := s.orch.EnqueueDiagnose(s.ctx, file.ID)
	s.Require().Error(err)

	runRec, err := s.stores.Runs.GetRunByOwner(s.ctx, model.RunOwner{Kind: model.OwnerSubmissionFile, ID: file.ID})
	s.Require().NoError(err)
	s.Equal(model.StatusFailed, runRec.Status)
	s.Contains(runRec.Message, "CNV004")

	got, err := s.stores.Files.GetFile(s.ctx, file.ID)
	s.Require().NoError(err)
	s.Equal(model.FileFailed, got.Status)

	gotTable, err := s.stores.Files.GetTable(s.ctx, table.ID)
	s.Require().NoError(err)
	s.Equal(model.TableFailed, gotTable.Status)
}

func (s *OrchestratorSuite) TestConcurrentStartRejectedAfterDeferrals() {
	_, _, file := s.uploadCSV("patient", "patients.csv", cleanPatientCSV)

	s.Require().NoError(s.orch.EnqueueDiagnose(s.ctx, file.ID))

	// Wedge the run at running, as a crashed worker would leave it.
	owner := model.RunOwner{Kind: model.OwnerSubmissionFile, ID: file.ID}
	runRec, err := s.stores.Runs.GetRunByOwner(s.ctx, owner)
	s.Require().NoError(err)
	s.Require().NoError(s.stores.Runs.StartRun(s.ctx, runRec.ID, "", time.Now()))

	err = s.orch.Revalidate(s.ctx, file.ID)
	s.Require().ErrorIs(err, ErrRunInFlight,
		"a start behind an in-flight run must be rejected, not looped")

	after, err := s.stores.Runs.GetRun(s.ctx, runRec.ID)
	s.Require().NoError(err)
	s.Equal(model.StatusRunning, after.Status, "the in-flight run is left untouched")

	gotFile, err := s.stores.Files.GetFile(s.ctx, file.ID)
	s.Require().NoError(err)
	s.NotEqual(model.FileFailed, gotFile.Status, "a rejected start must not fail the file")
}
