// Package definition holds the declarative, versioned schema for every
// table type the portal accepts.
//
// A table type describes one kind of submitted file ("diagnosis", "labs"):
// its columns, their types and labels, and the validation rules per column.
// Adding a new table type requires only registering a new definition; the
// pipeline itself never changes.
package definition

import "cohortvault/internal/model"

// ColumnType is the expected data type for a column.
type ColumnType string

const (
	ColumnText    ColumnType = "text"
	ColumnNumeric ColumnType = "numeric"
	ColumnDate    ColumnType = "date"
	ColumnBool    ColumnType = "bool"
)

// Rule is one declarative validation rule with its parameters.
//
// Known keys and their params:
//
//	required:   no params; flags null/empty cells
//	range:      "min", "max" (float64, either optional)
//	regex:      "pattern" (string)
//	enum:       "values" ([]string)
//	cross_file: "table" (string), "column" (string); every value must
//	             exist in the referenced table's column. Only the
//	             authoritative table's identifier column is resolvable;
//	             any other reference is rejected at evaluation setup.
type Rule struct {
	Key      string
	Severity model.CheckSeverity
	Params   map[string]any
}

// Variable defines one column of a table type.
type Variable struct {
	Name     string
	Type     ColumnType
	Label    string
	Required bool // column must be present in the file header
	Rules    []Rule
}

// TableType is the complete definition for one kind of submitted file.
type TableType struct {
	Key     string // unique identifier: "diagnosis"
	Label   string // display name: "Diagnosis"
	Version int    // bumped whenever the definition changes

	// MultiFile tables combine all current files into one shared
	// columnar store; single-file tables get one store per file.
	MultiFile bool

	// Authoritative marks the table type whose identifier column feeds
	// the submission's patient universe.
	Authoritative bool

	// PatientColumn is the exact name of the patient identifier column.
	PatientColumn string

	// PatientAliases maps a source system to the column name it uses
	// for the patient identifier, consulted when the exact name is absent.
	PatientAliases map[string]string

	Variables []Variable
}

// Variable returns the definition for a column by name, if present.
func (t TableType) Variable(name string) (Variable, bool) {
	for _, v := range t.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

// ColumnNames returns the defined column names in declaration order.
func (t TableType) ColumnNames() []string {
	names := make([]string, len(t.Variables))
	for i, v := range t.Variables {
		names[i] = v.Name
	}
	return names
}
