// Package tables registers the built-in table type definitions.
//
// Import for side effects:
//
//	_ "cohortvault/internal/definition/tables"
package tables

import (
	"cohortvault/internal/definition"
	"cohortvault/internal/model"
)

func init() {
	definition.Register(patientTable())
	definition.Register(diagnosisTable())
	definition.Register(labsTable())
}

func patientTable() definition.TableType {
	return definition.TableType{
		Key:           "patient",
		Label:         "Patient Roster",
		Version:       3,
		Authoritative: true,
		PatientColumn: "cohortPatientId",
		PatientAliases: map[string]string{
			"epic":   "PAT_ID",
			"cerner": "person_id",
		},
		Variables: []definition.Variable{
			{
				Name: "cohortPatientId", Type: definition.ColumnText,
				Label: "Cohort Patient ID", Required: true,
				Rules: []definition.Rule{
					{Key: "required", Severity: model.SeverityError},
					{Key: "regex", Severity: model.SeverityError,
						Params: map[string]any{"pattern": `^[A-Za-z0-9_-]{1,64}$`}},
				},
			},
			{
				Name: "birthYear", Type: definition.ColumnNumeric,
				Label: "Birth Year", Required: true,
				Rules: []definition.Rule{
					{Key: "range", Severity: model.SeverityError,
						Params: map[string]any{"min": float64(1900), "max": float64(2026)}},
				},
			},
			{
				Name: "sex", Type: definition.ColumnText,
				Label: "Sex", Required: false,
				Rules: []definition.Rule{
					{Key: "enum", Severity: model.SeverityWarning,
						Params: map[string]any{"values": []string{"M", "F", "O", "U"}}},
				},
			},
			{
				Name: "enrollmentDate", Type: definition.ColumnDate,
				Label: "Enrollment Date", Required: true,
				Rules: []definition.Rule{
					{Key: "required", Severity: model.SeverityError},
				},
			},
		},
	}
}

func diagnosisTable() definition.TableType {
	return definition.TableType{
		Key:           "diagnosis",
		Label:         "Diagnosis",
		Version:       2,
		MultiFile:     true,
		PatientColumn: "cohortPatientId",
		PatientAliases: map[string]string{
			"epic":   "PAT_ID",
			"cerner": "person_id",
		},
		Variables: []definition.Variable{
			{
				Name: "cohortPatientId", Type: definition.ColumnText,
				Label: "Cohort Patient ID", Required: true,
				Rules: []definition.Rule{
					{Key: "required", Severity: model.SeverityError},
					{Key: "cross_file", Severity: model.SeverityError,
						Params: map[string]any{"table": "patient", "column": "cohortPatientId"}},
				},
			},
			{
				Name: "icdCode", Type: definition.ColumnText,
				Label: "ICD-10 Code", Required: true,
				Rules: []definition.Rule{
					{Key: "required", Severity: model.SeverityError},
					{Key: "regex", Severity: model.SeverityError,
						Params: map[string]any{"pattern": `^[A-TV-Z][0-9][0-9AB](\.[0-9A-Za-z]{1,4})?$`}},
				},
			},
			{
				Name: "diagnosisDate", Type: definition.ColumnDate,
				Label: "Diagnosis Date", Required: true,
				Rules: []definition.Rule{
					{Key: "required", Severity: model.SeverityError},
				},
			},
			{
				Name: "primary", Type: definition.ColumnBool,
				Label: "Primary Diagnosis", Required: false,
			},
		},
	}
}

func labsTable() definition.TableType {
	return definition.TableType{
		Key:           "labs",
		Label:         "Laboratory Results",
		Version:       2,
		MultiFile:     true,
		PatientColumn: "cohortPatientId",
		PatientAliases: map[string]string{
			"epic":   "PAT_ID",
			"cerner": "person_id",
		},
		Variables: []definition.Variable{
			{
				Name: "cohortPatientId", Type: definition.ColumnText,
				Label: "Cohort Patient ID", Required: true,
				Rules: []definition.Rule{
					{Key: "required", Severity: model.SeverityError},
					{Key: "cross_file", Severity: model.SeverityError,
						Params: map[string]any{"table": "patient", "column": "cohortPatientId"}},
				},
			},
			{
				Name: "loincCode", Type: definition.ColumnText,
				Label: "LOINC Code", Required: true,
				Rules: []definition.Rule{
					{Key: "required", Severity: model.SeverityError},
					{Key: "regex", Severity: model.SeverityError,
						Params: map[string]any{"pattern": `^\d{1,5}-\d$`}},
				},
			},
			{
				Name: "resultValue", Type: definition.ColumnNumeric,
				Label: "Result Value", Required: false,
				Rules: []definition.Rule{
					{Key: "range", Severity: model.SeverityWarning,
						Params: map[string]any{"min": float64(-1e9), "max": float64(1e9)}},
				},
			},
			{
				Name: "resultDate", Type: definition.ColumnDate,
				Label: "Result Date", Required: true,
				Rules: []definition.Rule{
					{Key: "required", Severity: model.SeverityError},
				},
			},
		},
	}
}
