package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cohortvault/internal/definition"
	"cohortvault/internal/logging"
	"cohortvault/internal/metrics"
	"cohortvault/internal/model"
	"cohortvault/internal/pipeline"
	"cohortvault/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// tableTypeResponse describes one accepted table type.
type tableTypeResponse struct {
	Key           string   `json:"key"`
	Label         string   `json:"label"`
	Version       int      `json:"version"`
	MultiFile     bool     `json:"multiFile"`
	Authoritative bool     `json:"authoritative"`
	Columns       []string `json:"columns"`
}

func (s *Server) handleListTableTypes(w http.ResponseWriter, r *http.Request) {
	defs := definition.All()
	out := make([]tableTypeResponse, 0, len(defs))
	for _, d := range defs {
		out = append(out, tableTypeResponse{
			Key:           d.Key,
			Label:         d.Label,
			Version:       d.Version,
			MultiFile:     d.MultiFile,
			Authoritative: d.Authoritative,
			Columns:       d.ColumnNames(),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type createSubmissionRequest struct {
	CohortID     uuid.UUID `json:"cohortId"`
	ProtocolYear int       `json:"protocolYear"`
}

type tableResponse struct {
	ID        uuid.UUID `json:"id"`
	TableType string    `json:"tableType"`
	Status    string    `json:"status"`
}

type submissionResponse struct {
	ID           uuid.UUID       `json:"id"`
	CohortID     uuid.UUID       `json:"cohortId"`
	ProtocolYear int             `json:"protocolYear"`
	CreatedAt    time.Time       `json:"createdAt"`
	Tables       []tableResponse `json:"tables"`
}

// handleCreateSubmission registers a submission with one data table per
// accepted table type.
func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req createSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}
	if req.CohortID == uuid.Nil || req.ProtocolYear < 2000 {
		s.respondError(w, r, errors.New("cohortId and protocolYear are required"), http.StatusBadRequest)
		return
	}

	sub := model.Submission{
		ID:           uuid.New(),
		CohortID:     req.CohortID,
		ProtocolYear: req.ProtocolYear,
		CreatedAt:    time.Now(),
	}
	if err := s.stores.Files.CreateSubmission(r.Context(), sub); err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	resp := submissionResponse{
		ID: sub.ID, CohortID: sub.CohortID,
		ProtocolYear: sub.ProtocolYear, CreatedAt: sub.CreatedAt,
	}
	for _, d := range definition.All() {
		table := model.DataTable{
			ID:           uuid.New(),
			SubmissionID: sub.ID,
			TableType:    d.Key,
			Status:       model.TableAwaitingFiles,
		}
		if err := s.stores.Files.CreateTable(r.Context(), table); err != nil {
			s.respondError(w, r, err, http.StatusInternalServerError)
			return
		}
		resp.Tables = append(resp.Tables, tableResponse{
			ID: table.ID, TableType: table.TableType, Status: string(table.Status),
		})
	}

	logging.FromContext(r.Context()).Info("submission created",
		"submission_id", sub.ID, "cohort_id", sub.CohortID, "tables", len(resp.Tables))
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uuidParam(w, r, "submissionID")
	if !ok {
		return
	}
	sub, err := s.stores.Files.GetSubmission(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	tables, err := s.stores.Files.ListTables(r.Context(), sub.ID)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	resp := submissionResponse{
		ID: sub.ID, CohortID: sub.CohortID,
		ProtocolYear: sub.ProtocolYear, CreatedAt: sub.CreatedAt,
	}
	for _, t := range tables {
		resp.Tables = append(resp.Tables, tableResponse{
			ID: t.ID, TableType: t.TableType, Status: string(t.Status),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

type fileResponse struct {
	ID           uuid.UUID `json:"id"`
	TableID      uuid.UUID `json:"tableId"`
	SubmissionID uuid.UUID `json:"submissionId"`
	FileName     string    `json:"fileName"`
	Status       string    `json:"status"`
	StatusReason string    `json:"statusReason,omitempty"`
	Checksum     string    `json:"checksum,omitempty"`
	SizeBytes    int64     `json:"sizeBytes,omitempty"`
	RowCount     int       `json:"rowCount,omitempty"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

func fileToResponse(f model.SubmissionFile) fileResponse {
	return fileResponse{
		ID:           f.ID,
		TableID:      f.TableID,
		SubmissionID: f.SubmissionID,
		FileName:     f.FileName,
		Status:       string(f.Status),
		StatusReason: f.StatusReason,
		Checksum:     f.Checksum,
		SizeBytes:    f.SizeBytes,
		RowCount:     f.RowCount,
		UploadedAt:   f.UploadedAt,
	}
}

// handleUpload accepts one CSV file for a submission table, stores the
// bytes, registers the file record, and starts the pipeline. The pipeline
// runs asynchronously; the response is the pending file record.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	subID, ok := s.uuidParam(w, r, "submissionID")
	if !ok {
		return
	}
	tableType := chi.URLParam(r, "tableType")

	if _, err := s.stores.Files.GetSubmission(r.Context(), subID); err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	table, err := s.findTable(r, subID, tableType)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Storage.MaxFileSize)
	src, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, fmt.Errorf("read upload: %w", err), http.StatusBadRequest)
		return
	}
	defer src.Close()

	fileID := uuid.New()
	name := filepath.Base(header.Filename)
	storedPath, err := s.storage.Save(
		filepath.Join(subID.String(), tableType, fileID.String()+"-"+name), src)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("store upload: %w", err), http.StatusInternalServerError)
		return
	}

	file := model.SubmissionFile{
		ID:           fileID,
		TableID:      table.ID,
		SubmissionID: subID,
		FileName:     name,
		StoragePath:  storedPath,
		Status:       model.FileUploaded,
		UploadedAt:   time.Now(),
	}
	if err := s.stores.Files.CreateFile(r.Context(), file); err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	metrics.UploadsTotal.WithLabelValues(tableType).Inc()

	if err := s.pipeline.EnqueueDiagnose(r.Context(), file.ID); err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	logging.FromContext(r.Context()).Info("file uploaded",
		"file_id", file.ID, "submission_id", subID, "table_type", tableType, "name", name)
	respondJSON(w, http.StatusAccepted, fileToResponse(file))
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uuidParam(w, r, "fileID")
	if !ok {
		return
	}
	file, err := s.stores.Files.GetFile(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, fileToResponse(file))
}

// handleRevalidate re-runs the pipeline for a file.
func (s *Server) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uuidParam(w, r, "fileID")
	if !ok {
		return
	}
	if _, err := s.stores.Files.GetFile(r.Context(), id); err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	if err := s.pipeline.Revalidate(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrRunInFlight) {
			status = http.StatusConflict
		}
		s.respondError(w, r, err, status)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "revalidation enqueued"})
}

// handleDeleteFile removes a file record and its stored bytes. Deleting
// a file of the authoritative patient table clears the submission's
// patient universe and resets every other file's identity record to
// pending; their columnar stores are untouched until their next
// validation.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uuidParam(w, r, "fileID")
	if !ok {
		return
	}
	file, err := s.stores.Files.GetFile(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	table, err := s.stores.Files.GetTable(r.Context(), file.TableID)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	log := logging.FromContext(r.Context())
	if err := s.storage.Delete(file.StoragePath); err != nil {
		log.Warn("delete stored file", "file_id", id, "path", file.StoragePath, "error", err)
	}
	if err := s.stores.Identities.DeleteFileIdentities(r.Context(), id); err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	if err := s.stores.Files.DeleteFile(r.Context(), id); err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	if def, ok := definition.Get(table.TableType); ok && def.Authoritative {
		if err := s.stores.Identities.ClearUniverse(r.Context(), file.SubmissionID); err != nil {
			s.respondError(w, r, err, http.StatusInternalServerError)
			return
		}
		log.Info("patient universe cleared",
			"submission_id", file.SubmissionID, "file_id", id)
	}

	remaining, err := s.stores.Files.ListFilesByTable(r.Context(), table.ID)
	if err == nil && len(remaining) == 0 {
		if uerr := s.stores.Files.UpdateTableStatus(r.Context(), table.ID, model.TableAwaitingFiles); uerr != nil {
			log.Warn("reset table status", "table_id", table.ID, "error", uerr)
		}
	}

	log.Info("file deleted", "file_id", id, "table_type", table.TableType)
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type variableResponse struct {
	ID           uuid.UUID `json:"id"`
	ColumnName   string    `json:"columnName"`
	ColumnType   string    `json:"columnType,omitempty"`
	Label        string    `json:"label,omitempty"`
	Status       string    `json:"status"`
	Summary      string    `json:"summary,omitempty"`
	TotalCount   int       `json:"totalCount"`
	NullCount    int       `json:"nullCount"`
	EmptyCount   int       `json:"emptyCount"`
	ValidCount   int       `json:"validCount"`
	InvalidCount int       `json:"invalidCount"`
	WarningCount int       `json:"warningCount"`
	ErrorCount   int       `json:"errorCount"`
}

type runResponse struct {
	ID                 uuid.UUID          `json:"id"`
	Status             string             `json:"status"`
	Message            string             `json:"message,omitempty"`
	TotalVariables     int                `json:"totalVariables"`
	CompletedVariables int                `json:"completedVariables"`
	WarningVariables   int                `json:"warningVariables"`
	ErrorVariables     int                `json:"errorVariables"`
	CreatedAt          time.Time          `json:"createdAt"`
	StartedAt          *time.Time         `json:"startedAt,omitempty"`
	CompletedAt        *time.Time         `json:"completedAt,omitempty"`
	Variables          []variableResponse `json:"variables"`
}

func (s *Server) runToResponse(rec model.ValidationRun, vars []model.ValidationVariable) runResponse {
	resp := runResponse{
		ID:                 rec.ID,
		Status:             string(rec.Status),
		Message:            rec.Message,
		TotalVariables:     rec.TotalVariables,
		CompletedVariables: rec.CompletedVariables,
		WarningVariables:   rec.WarningVariables,
		ErrorVariables:     rec.ErrorVariables,
		CreatedAt:          rec.CreatedAt,
		StartedAt:          rec.StartedAt,
		CompletedAt:        rec.CompletedAt,
		Variables:          make([]variableResponse, 0, len(vars)),
	}
	for _, v := range vars {
		resp.Variables = append(resp.Variables, variableResponse{
			ID:           v.ID,
			ColumnName:   v.ColumnName,
			ColumnType:   v.ColumnType,
			Label:        v.Label,
			Status:       string(v.Status),
			Summary:      v.Summary,
			TotalCount:   v.TotalCount,
			NullCount:    v.NullCount,
			EmptyCount:   v.EmptyCount,
			ValidCount:   v.ValidCount,
			InvalidCount: v.InvalidCount,
			WarningCount: v.WarningCount,
			ErrorCount:   v.ErrorCount,
		})
	}
	return resp
}

// handleFileRun returns the file's current run with per-variable detail.
func (s *Server) handleFileRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uuidParam(w, r, "fileID")
	if !ok {
		return
	}
	rec, err := s.stores.Runs.GetRunByOwner(r.Context(),
		model.RunOwner{Kind: model.OwnerSubmissionFile, ID: id})
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	progress, err := s.runs.GetProgress(r.Context(), rec.ID)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.runToResponse(progress.Run, progress.Variables))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uuidParam(w, r, "runID")
	if !ok {
		return
	}
	progress, err := s.runs.GetProgress(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.runToResponse(progress.Run, progress.Variables))
}

type checkResponse struct {
	ID           uuid.UUID      `json:"id"`
	RuleKey      string         `json:"ruleKey"`
	Params       map[string]any `json:"params,omitempty"`
	Passed       bool           `json:"passed"`
	Severity     string         `json:"severity"`
	Message      string         `json:"message"`
	AffectedRows int            `json:"affectedRows"`
	RowRefs      []model.RowRef `json:"rowRefs,omitempty"`
}

// handleVariableChecks returns the rule outcomes for one variable. Row
// references carry file and row token only.
func (s *Server) handleVariableChecks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uuidParam(w, r, "variableID")
	if !ok {
		return
	}
	checks, err := s.stores.Runs.ListChecks(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	out := make([]checkResponse, 0, len(checks))
	for _, c := range checks {
		out = append(out, checkResponse{
			ID:           c.ID,
			RuleKey:      c.RuleKey,
			Params:       c.Params,
			Passed:       c.Passed,
			Severity:     string(c.Severity),
			Message:      c.Message,
			AffectedRows: c.AffectedRows,
			RowRefs:      c.RowRefs,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type fileIdentityResponse struct {
	FileID         uuid.UUID `json:"fileId"`
	Status         string    `json:"status"`
	ColumnMatch    string    `json:"columnMatch,omitempty"`
	ValidCount     int       `json:"validCount"`
	InvalidCount   int       `json:"invalidCount"`
	DuplicateCount int       `json:"duplicateCount"`
	MissingCount   int       `json:"missingCount"`
	InvalidSample  []string  `json:"invalidSample,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func identityToResponse(fi model.FilePatientIdentities) fileIdentityResponse {
	return fileIdentityResponse{
		FileID:         fi.FileID,
		Status:         string(fi.Status),
		ColumnMatch:    fi.ColumnMatch,
		ValidCount:     fi.ValidCount,
		InvalidCount:   fi.InvalidCount,
		DuplicateCount: fi.DuplicateCount,
		MissingCount:   fi.MissingCount,
		InvalidSample:  fi.InvalidSample,
		UpdatedAt:      fi.UpdatedAt,
	}
}

func (s *Server) handleFileIdentities(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uuidParam(w, r, "fileID")
	if !ok {
		return
	}
	fi, err := s.stores.Identities.GetFileIdentities(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, identityToResponse(fi))
}

type submissionIdentitiesResponse struct {
	SubmissionID uuid.UUID              `json:"submissionId"`
	UniverseSize int                    `json:"universeSize"`
	UpdatedAt    *time.Time             `json:"updatedAt,omitempty"`
	Files        []fileIdentityResponse `json:"files"`
}

// handleSubmissionIdentities summarizes identity cross-validation for a
// submission. The universe itself is PHI and is reported by size only.
func (s *Server) handleSubmissionIdentities(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uuidParam(w, r, "submissionID")
	if !ok {
		return
	}
	if _, err := s.stores.Files.GetSubmission(r.Context(), id); err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	resp := submissionIdentitiesResponse{SubmissionID: id}
	universe, err := s.stores.Identities.GetUniverse(r.Context(), id)
	switch {
	case err == nil:
		resp.UniverseSize = len(universe.Identifiers)
		resp.UpdatedAt = &universe.UpdatedAt
	case !errors.Is(err, store.ErrNotFound):
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	files, err := s.stores.Identities.ListFileIdentities(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	resp.Files = make([]fileIdentityResponse, 0, len(files))
	for _, fi := range files {
		resp.Files = append(resp.Files, identityToResponse(fi))
	}
	respondJSON(w, http.StatusOK, resp)
}

// uuidParam parses a UUID path parameter, responding 400 on failure.
func (s *Server) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		s.respondError(w, r, fmt.Errorf("invalid %s: %w", name, err), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// findTable locates a submission's table by type.
func (s *Server) findTable(r *http.Request, submissionID uuid.UUID, tableType string) (model.DataTable, error) {
	if _, ok := definition.Get(tableType); !ok {
		return model.DataTable{}, fmt.Errorf("unknown table type %q: %w", tableType, store.ErrNotFound)
	}
	tables, err := s.stores.Files.ListTables(r.Context(), submissionID)
	if err != nil {
		return model.DataTable{}, err
	}
	for _, t := range tables {
		if t.TableType == tableType {
			return t, nil
		}
	}
	return model.DataTable{}, store.ErrNotFound
}

// respondStoreError maps store sentinels onto HTTP statuses.
func (s *Server) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondErrorJSON(w, pipeline.UserMessage{
			Message: "Resource not found",
			Action:  "Check the identifier and try again",
			Code:    "ERR404",
		}, http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		s.respondError(w, r, err, http.StatusConflict)
	default:
		s.respondError(w, r, err, http.StatusInternalServerError)
	}
}
