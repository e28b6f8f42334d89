package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"empty file", errors.New("diagnostics: file is empty"), "STR001"},
		{"undecodable", errors.New("diagnostics: file is not decodable text"), "STR002"},
		{"missing header", errors.New("diagnostics: no header row found"), "STR003"},
		{"unknown table", fmt.Errorf("load context: unknown table type %q", "visits"), "STR004"},
		{"malformed rows", errors.New("12 malformed rows"), "INT001"},
		{"no sources", errors.New("convert table abc: no source files"), "CNV001"},
		{"memory ceiling", errors.New("Out of Memory Error: memory limit of 512MB exceeded"), "CNV002"},
		{"load failure", errors.New("load csv: read_csv: invalid unicode"), "CNV003"},
		{"store failure", errors.New("open columnar store /x.duckdb: io error"), "CNV004"},
		{"bad rule", errors.New(`plan checks: unknown rule "betwixt"`), "RUL001"},
		{"cancellation", errors.New("scan column: context canceled"), "ERR001"},
		{"unmatched", errors.New("something nobody anticipated"), "ERR000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.code {
				t.Fatalf("MapError(%v).Code = %s, want %s", tt.err, got.Code, tt.code)
			}
			if got.Message == "" || got.Action == "" {
				t.Fatalf("MapError(%v) returned incomplete message %+v", tt.err, got)
			}
		})
	}
}

func TestUserMessageString(t *testing.T) {
	msg := UserMessage{Message: "The uploaded file is empty", Action: "Upload a CSV file", Code: "STR001"}
	s := msg.String()
	if !strings.HasPrefix(s, "STR001: ") || !strings.Contains(s, "(Upload a CSV file)") {
		t.Fatalf("unexpected rendering: %q", s)
	}
}
