// Package identity extracts patient identifiers from submitted files and
// cross-validates them against the submission's patient universe.
//
// The authoritative patient table defines the universe. Every other file's
// identifiers are checked for membership: the intersection is valid, the
// file-only remainder is invalid, and counts are exact with display samples
// capped. Raw identifier values stay inside this package and the stores;
// they never appear in run output.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"cohortvault/internal/definition"
	"cohortvault/internal/model"
	"cohortvault/internal/store"
)

// DefaultSampleCap bounds the invalid identifier sample kept for display.
const DefaultSampleCap = 10

// Source is the read surface identity extraction needs from a columnar
// store.
type Source interface {
	Columns(ctx context.Context) ([]string, error)
	DistinctNonEmpty(ctx context.Context, column string) ([]string, error)
	CountNonDistinct(ctx context.Context, column string) (total, duplicates int, err error)
}

// MatchKind reports how the patient identifier column was located.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchExact
	MatchAlias
	MatchFuzzy
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchAlias:
		return "alias"
	case MatchFuzzy:
		return "fuzzy"
	default:
		return "none"
	}
}

// Service owns universe extraction and per-file cross-validation.
type Service struct {
	identities store.IdentityStore
	log        *slog.Logger
	sampleCap  int
	now        func() time.Time
}

func NewService(identities store.IdentityStore, log *slog.Logger) *Service {
	return &Service{
		identities: identities,
		log:        log,
		sampleCap:  DefaultSampleCap,
		now:        time.Now,
	}
}

// ResolveColumn locates the patient identifier column in a header.
// Resolution order: exact definition name, known source-system alias, then
// a normalized substring match. Fuzzy matches are usable but should be
// surfaced to the submitter as a naming warning.
func ResolveColumn(def definition.TableType, header []string) (string, MatchKind) {
	for _, col := range header {
		if col == def.PatientColumn {
			return col, MatchExact
		}
	}
	for _, aliased := range def.PatientAliases {
		for _, col := range header {
			if col == aliased {
				return col, MatchAlias
			}
		}
	}
	want := normalize(def.PatientColumn)
	for _, col := range header {
		got := normalize(col)
		if got == "" {
			continue
		}
		if strings.Contains(got, want) || strings.Contains(want, got) {
			return col, MatchFuzzy
		}
	}
	return "", MatchNone
}

// normalize lowercases and strips everything but letters and digits, so
// "PAT_ID" and "patId" compare equal.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// BuildUniverse extracts the submission's patient universe from the
// authoritative file's store and replaces the stored set wholesale. Every
// existing file result of the submission drops back to pending.
func (s *Service) BuildUniverse(ctx context.Context, def definition.TableType, src Source, submissionID, sourceFileID uuid.UUID) (model.PatientIdentitySet, MatchKind, error) {
	header, err := src.Columns(ctx)
	if err != nil {
		return model.PatientIdentitySet{}, MatchNone, fmt.Errorf("read header: %w", err)
	}
	column, kind := ResolveColumn(def, header)
	if kind == MatchNone {
		return model.PatientIdentitySet{}, MatchNone,
			fmt.Errorf("patient identifier column %q not found", def.PatientColumn)
	}
	if kind == MatchFuzzy {
		s.log.WarnContext(ctx, "patient column matched by fuzzy name",
			"submission_id", submissionID, "expected", def.PatientColumn, "actual", column)
	}

	identifiers, err := src.DistinctNonEmpty(ctx, column)
	if err != nil {
		return model.PatientIdentitySet{}, kind, fmt.Errorf("extract identifiers: %w", err)
	}

	set := model.PatientIdentitySet{
		SubmissionID: submissionID,
		SourceFileID: sourceFileID,
		Identifiers:  identifiers,
		UpdatedAt:    s.now(),
	}
	if err := s.identities.ReplaceUniverse(ctx, set); err != nil {
		return model.PatientIdentitySet{}, kind, fmt.Errorf("replace universe: %w", err)
	}

	s.log.InfoContext(ctx, "patient universe replaced",
		"submission_id", submissionID, "source_file_id", sourceFileID,
		"identifiers", len(identifiers), "match", kind.String())
	return set, kind, nil
}

// ValidateFile cross-validates one file's identifiers against the stored
// universe and persists the result. When the submission has no universe
// yet the file stays pending.
func (s *Service) ValidateFile(ctx context.Context, def definition.TableType, src Source, submissionID, fileID uuid.UUID) (model.FilePatientIdentities, error) {
	header, err := src.Columns(ctx)
	if err != nil {
		return model.FilePatientIdentities{}, fmt.Errorf("read header: %w", err)
	}
	column, kind := ResolveColumn(def, header)
	if kind == MatchNone {
		fi := model.FilePatientIdentities{
			FileID:       fileID,
			SubmissionID: submissionID,
			Status:       model.IdentityInvalid,
			ColumnMatch:  kind.String(),
			UpdatedAt:    s.now(),
		}
		if err := s.identities.UpsertFileIdentities(ctx, fi); err != nil {
			return model.FilePatientIdentities{}, fmt.Errorf("record missing column: %w", err)
		}
		return fi, nil
	}

	universe, err := s.identities.GetUniverse(ctx, submissionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fi := model.FilePatientIdentities{
				FileID:       fileID,
				SubmissionID: submissionID,
				Status:       model.IdentityPending,
				ColumnMatch:  kind.String(),
				UpdatedAt:    s.now(),
			}
			if uerr := s.identities.UpsertFileIdentities(ctx, fi); uerr != nil {
				return model.FilePatientIdentities{}, fmt.Errorf("record pending file: %w", uerr)
			}
			return fi, nil
		}
		return model.FilePatientIdentities{}, fmt.Errorf("load universe: %w", err)
	}

	known := make(map[string]struct{}, len(universe.Identifiers))
	for _, id := range universe.Identifiers {
		known[id] = struct{}{}
	}

	identifiers, err := src.DistinctNonEmpty(ctx, column)
	if err != nil {
		return model.FilePatientIdentities{}, fmt.Errorf("extract identifiers: %w", err)
	}
	_, duplicates, err := src.CountNonDistinct(ctx, column)
	if err != nil {
		return model.FilePatientIdentities{}, fmt.Errorf("count duplicates: %w", err)
	}

	if kind == MatchFuzzy {
		s.log.WarnContext(ctx, "patient column matched by fuzzy name",
			"file_id", fileID, "expected", def.PatientColumn, "actual", column)
	}

	fi := model.FilePatientIdentities{
		FileID:         fileID,
		SubmissionID:   submissionID,
		ColumnMatch:    kind.String(),
		Identifiers:    identifiers,
		DuplicateCount: duplicates,
		UpdatedAt:      s.now(),
	}

	seen := make(map[string]struct{}, len(identifiers))
	for _, id := range identifiers {
		seen[id] = struct{}{}
		if _, ok := known[id]; ok {
			fi.ValidCount++
		} else {
			fi.InvalidCount++
			if len(fi.InvalidSample) < s.sampleCap {
				fi.InvalidSample = append(fi.InvalidSample, id)
			}
		}
	}
	for _, id := range universe.Identifiers {
		if _, ok := seen[id]; !ok {
			fi.MissingCount++
		}
	}

	if fi.InvalidCount > 0 {
		fi.Status = model.IdentityInvalid
	} else {
		fi.Status = model.IdentityValid
	}

	if err := s.identities.UpsertFileIdentities(ctx, fi); err != nil {
		return model.FilePatientIdentities{}, fmt.Errorf("record file identities: %w", err)
	}

	s.log.InfoContext(ctx, "file identifier cross-validation recorded",
		"submission_id", submissionID, "file_id", fileID, "status", fi.Status,
		"valid", fi.ValidCount, "invalid", fi.InvalidCount,
		"duplicates", fi.DuplicateCount, "missing", fi.MissingCount)
	return fi, nil
}

// UniverseSet returns the stored universe as a membership set for the
// validation engine's cross-file rules. A missing universe yields nil.
func (s *Service) UniverseSet(ctx context.Context, submissionID uuid.UUID) (map[string]struct{}, error) {
	universe, err := s.identities.GetUniverse(ctx, submissionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	set := make(map[string]struct{}, len(universe.Identifiers))
	for _, id := range universe.Identifiers {
		set[id] = struct{}{}
	}
	return set, nil
}
