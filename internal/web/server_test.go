package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"cohortvault/internal/config"
	_ "cohortvault/internal/definition/tables"
	"cohortvault/internal/model"
	"cohortvault/internal/run"
	"cohortvault/internal/storage"
	"cohortvault/internal/store"
	"cohortvault/internal/store/memory"
	"cohortvault/internal/taskqueue"
)

// stubPipeline records what the API asked the orchestrator to do.
type stubPipeline struct {
	diagnosed    []uuid.UUID
	revalidated  []uuid.UUID
	enqueueError error
}

func (p *stubPipeline) EnqueueDiagnose(_ context.Context, fileID uuid.UUID) error {
	if p.enqueueError != nil {
		return p.enqueueError
	}
	p.diagnosed = append(p.diagnosed, fileID)
	return nil
}

func (p *stubPipeline) Revalidate(_ context.Context, fileID uuid.UUID) error {
	p.revalidated = append(p.revalidated, fileID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type ServerSuite struct {
	suite.Suite
	ctx      context.Context
	stores   store.Stores
	pipeline *stubPipeline
	server   *Server
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	s.ctx = context.Background()
	s.stores = memory.NewStores()
	s.pipeline = &stubPipeline{}

	svc, err := storage.NewLocal(filepath.Join(s.T().TempDir(), "uploads"))
	s.Require().NoError(err)

	queue := taskqueue.NewSync(taskqueue.NewMux())
	runSvc := run.NewService(s.stores, queue, testLogger())

	cfg := &config.Config{}
	cfg.Server.RequestTimeout = time.Minute
	cfg.Storage.MaxFileSize = 1 << 20
	cfg.Rate.Enabled = false

	s.server = NewServer(s.stores, svc, s.pipeline, runSvc, cfg)
}

func (s *ServerSuite) do(method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.server.Router().ServeHTTP(rec, req)
	return rec
}

func (s *ServerSuite) createSubmission() submissionResponse {
	body := bytes.NewBufferString(fmt.Sprintf(
		`{"cohortId":%q,"protocolYear":2026}`, uuid.New()))
	rec := s.do(http.MethodPost, "/api/submissions", body, "application/json")
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())

	var resp submissionResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (s *ServerSuite) TestCreateSubmissionRegistersAllTables() {
	resp := s.createSubmission()

	s.NotEqual(uuid.Nil, resp.ID)
	s.Require().NotEmpty(resp.Tables)

	types := make([]string, 0, len(resp.Tables))
	for _, t := range resp.Tables {
		types = append(types, t.TableType)
		s.Equal(string(model.TableAwaitingFiles), t.Status)
	}
	s.Contains(types, "patient")
	s.Contains(types, "diagnosis")
	s.Contains(types, "labs")
}

func (s *ServerSuite) TestCreateSubmissionRejectsMissingFields() {
	rec := s.do(http.MethodPost, "/api/submissions",
		bytes.NewBufferString(`{"protocolYear":2026}`), "application/json")
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *ServerSuite) uploadCSV(submissionID uuid.UUID, tableType, name, content string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	s.Require().NoError(err)
	_, err = part.Write([]byte(content))
	s.Require().NoError(err)
	s.Require().NoError(mw.Close())

	path := fmt.Sprintf("/api/submissions/%s/tables/%s/files", submissionID, tableType)
	return s.do(http.MethodPost, path, &buf, mw.FormDataContentType())
}

func (s *ServerSuite) TestUploadStartsPipeline() {
	sub := s.createSubmission()

	rec := s.uploadCSV(sub.ID, "patient", "patients.csv",
		"cohortPatientId,birthYear,sex,enrollmentDate\nP1,1980,M,2024-01-01\n")
	s.Require().Equal(http.StatusAccepted, rec.Code, rec.Body.String())

	var resp fileResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal(string(model.FileUploaded), resp.Status)
	s.Equal("patients.csv", resp.FileName)

	s.Require().Len(s.pipeline.diagnosed, 1)
	s.Equal(resp.ID, s.pipeline.diagnosed[0])

	stored, err := s.stores.Files.GetFile(s.ctx, resp.ID)
	s.Require().NoError(err)
	s.NotEmpty(stored.StoragePath)
}

func (s *ServerSuite) TestUploadUnknownTableType() {
	sub := s.createSubmission()
	rec := s.uploadCSV(sub.ID, "visits", "visits.csv", "a,b\n1,2\n")
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *ServerSuite) TestRunPollingCarriesNoCellValues() {
	sub := s.createSubmission()
	rec := s.uploadCSV(sub.ID, "patient", "patients.csv",
		"cohortPatientId,birthYear,sex,enrollmentDate\nSECRET-ID-99,1980,M,2024-01-01\n")
	s.Require().Equal(http.StatusAccepted, rec.Code)

	var file fileResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &file))

	owner := model.RunOwner{Kind: model.OwnerSubmissionFile, ID: file.ID}
	runRec, _, err := s.stores.Runs.EnsureRun(s.ctx, owner)
	s.Require().NoError(err)
	s.Require().NoError(s.stores.Runs.ReplaceVariables(s.ctx, runRec.ID, []model.ValidationVariable{
		{ID: uuid.New(), ColumnName: "cohortPatientId", Status: model.StatusCompleted, TotalCount: 1, ErrorCount: 1},
	}))

	poll := s.do(http.MethodGet, "/api/files/"+file.ID.String()+"/run", nil, "")
	s.Require().Equal(http.StatusOK, poll.Code)

	var runResp runResponse
	s.Require().NoError(json.Unmarshal(poll.Body.Bytes(), &runResp))
	s.Equal(runRec.ID, runResp.ID)
	s.Require().Len(runResp.Variables, 1)
	s.Equal("cohortPatientId", runResp.Variables[0].ColumnName)

	s.NotContains(poll.Body.String(), "SECRET-ID-99",
		"status polling must never carry cell values")
}

func (s *ServerSuite) TestGetMissingFileIs404() {
	rec := s.do(http.MethodGet, "/api/files/"+uuid.NewString(), nil, "")
	s.Equal(http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal("ERR404", resp.Code)
}

func (s *ServerSuite) TestRevalidateEnqueues() {
	sub := s.createSubmission()
	rec := s.uploadCSV(sub.ID, "patient", "patients.csv",
		"cohortPatientId,birthYear,sex,enrollmentDate\nP1,1980,M,2024-01-01\n")
	s.Require().Equal(http.StatusAccepted, rec.Code)

	var file fileResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &file))

	resp := s.do(http.MethodPost, "/api/files/"+file.ID.String()+"/revalidate", nil, "")
	s.Equal(http.StatusAccepted, resp.Code)
	s.Require().Len(s.pipeline.revalidated, 1)
	s.Equal(file.ID, s.pipeline.revalidated[0])
}

func (s *ServerSuite) TestDeletePatientFileClearsUniverse() {
	sub := s.createSubmission()

	rec := s.uploadCSV(sub.ID, "patient", "patients.csv",
		"cohortPatientId,birthYear,sex,enrollmentDate\nP1,1980,M,2024-01-01\n")
	s.Require().Equal(http.StatusAccepted, rec.Code)
	var patientFile fileResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &patientFile))

	rec = s.uploadCSV(sub.ID, "labs", "labs.csv",
		"cohortPatientId,loincCode,resultValue,resultDate\nP1,1234-5,7.2,2024-02-01\n")
	s.Require().Equal(http.StatusAccepted, rec.Code)
	var labsFile fileResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &labsFile))

	s.Require().NoError(s.stores.Identities.ReplaceUniverse(s.ctx, model.PatientIdentitySet{
		SubmissionID: sub.ID,
		SourceFileID: patientFile.ID,
		Identifiers:  []string{"P1"},
		UpdatedAt:    time.Now(),
	}))
	s.Require().NoError(s.stores.Identities.UpsertFileIdentities(s.ctx, model.FilePatientIdentities{
		FileID: labsFile.ID, SubmissionID: sub.ID, Status: model.IdentityValid,
		ValidCount: 1, UpdatedAt: time.Now(),
	}))

	del := s.do(http.MethodDelete, "/api/files/"+patientFile.ID.String(), nil, "")
	s.Require().Equal(http.StatusOK, del.Code, del.Body.String())

	_, err := s.stores.Files.GetFile(s.ctx, patientFile.ID)
	s.Require().ErrorIs(err, store.ErrNotFound)

	_, err = s.stores.Identities.GetUniverse(s.ctx, sub.ID)
	s.Require().ErrorIs(err, store.ErrNotFound,
		"deleting the patient file must empty the universe")

	fi, err := s.stores.Identities.GetFileIdentities(s.ctx, labsFile.ID)
	s.Require().NoError(err)
	s.Equal(model.IdentityPending, fi.Status,
		"other files fall back to pending revalidation")

	table, err := s.stores.Files.GetTable(s.ctx, patientFile.TableID)
	s.Require().NoError(err)
	s.Equal(model.TableAwaitingFiles, table.Status)
}

func (s *ServerSuite) TestSubmissionIdentitiesSummary() {
	sub := s.createSubmission()

	fileID := uuid.New()
	s.Require().NoError(s.stores.Identities.ReplaceUniverse(s.ctx, model.PatientIdentitySet{
		SubmissionID: sub.ID,
		SourceFileID: fileID,
		Identifiers:  []string{"P1", "P2", "P3"},
		UpdatedAt:    time.Now(),
	}))
	s.Require().NoError(s.stores.Identities.UpsertFileIdentities(s.ctx, model.FilePatientIdentities{
		FileID: fileID, SubmissionID: sub.ID, Status: model.IdentityValid,
		ValidCount: 3, UpdatedAt: time.Now(),
	}))

	rec := s.do(http.MethodGet, "/api/submissions/"+sub.ID.String()+"/identities", nil, "")
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp submissionIdentitiesResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal(3, resp.UniverseSize)
	s.Require().Len(resp.Files, 1)
	s.Equal(string(model.IdentityValid), resp.Files[0].Status)

	s.NotContains(rec.Body.String(), `"P1"`,
		"the universe is reported by size only")
}
