package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func openerFor(data []byte) OpenFunc {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

func TestDiagnose_CleanFile(t *testing.T) {
	data := []byte("cohortPatientId,age\nP001,34\nP002,41\n")

	report, err := New().Diagnose(context.Background(), openerFor(data), nil)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	if report.SizeBytes != int64(len(data)) {
		t.Errorf("SizeBytes = %d, want %d", report.SizeBytes, len(data))
	}
	if report.LineCount != 3 {
		t.Errorf("LineCount = %d, want 3", report.LineCount)
	}
	if report.RowCount != 2 {
		t.Errorf("RowCount = %d, want 2", report.RowCount)
	}
	if want := []string{"cohortPatientId", "age"}; !reflect.DeepEqual(report.Header, want) {
		t.Errorf("Header = %v, want %v", report.Header, want)
	}
	if report.HasBOM {
		t.Error("HasBOM = true for BOM-less file")
	}
	if report.Encoding != "ascii" {
		t.Errorf("Encoding = %q, want ascii", report.Encoding)
	}
	if len(report.MalformedRows) != 0 {
		t.Errorf("MalformedRows = %v, want none", report.MalformedRows)
	}
	if len(report.SHA256) != 64 {
		t.Errorf("SHA256 = %q, want 64 hex chars", report.SHA256)
	}
}

// Scenario: a single data row with 3 fields under a 2-column header must
// be reported as exactly one malformed row at its line number.
func TestDiagnose_MalformedRow(t *testing.T) {
	data := []byte("cohortPatientId,age\nP001,34,extra\n")

	report, err := New().Diagnose(context.Background(), openerFor(data), nil)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	if len(report.MalformedRows) != 1 {
		t.Fatalf("MalformedRows = %d entries, want 1", len(report.MalformedRows))
	}
	got := report.MalformedRows[0]
	want := MalformedRow{Line: 2, Row: 1, Expected: 2, Actual: 3}
	if got != want {
		t.Errorf("MalformedRows[0] = %+v, want %+v", got, want)
	}
	if !report.HasIntegrityWarnings() {
		t.Error("HasIntegrityWarnings = false, want true")
	}
}

func TestDiagnose_Deterministic(t *testing.T) {
	data := []byte("id,v\na,1\nb,2,oops\nc\n")

	first, err := New().Diagnose(context.Background(), openerFor(data), nil)
	if err != nil {
		t.Fatalf("first Diagnose: %v", err)
	}
	second, err := New().Diagnose(context.Background(), openerFor(data), nil)
	if err != nil {
		t.Fatalf("second Diagnose: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("reports differ:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if len(first.MalformedRows) != 2 {
		t.Errorf("MalformedRows = %d, want 2", len(first.MalformedRows))
	}
}

func TestDiagnose_BOMAndCRLF(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("id,v\r\na,1\r\n")...)

	report, err := New().Diagnose(context.Background(), openerFor(data), nil)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	if !report.HasBOM {
		t.Error("HasBOM = false, want true")
	}
	if !report.CRLF {
		t.Error("CRLF = false, want true")
	}
	// BOM must not leak into the header token.
	if report.Header[0] != "id" {
		t.Errorf("Header[0] = %q, want %q", report.Header[0], "id")
	}
}

func TestDiagnose_StructuralFailures(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty file", nil, ErrEmptyFile},
		{"only BOM", []byte{0xEF, 0xBB, 0xBF}, ErrEmptyFile},
		{"binary content", []byte{'i', 'd', 0x00, 0x01, '\n'}, ErrUndecodable},
		{"invalid utf8 header", []byte{0xFF, 0xFE, 'i', 'd', '\n'}, ErrUndecodable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Diagnose(context.Background(), openerFor(tt.data), nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("Diagnose error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDiagnose_ProgressCheckpoints(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("id,v\n")
	for i := 0; i < 250; i++ {
		sb.WriteString("a,1\n")
	}

	d := New()
	d.CheckpointRows = 100

	var checkpoints []Progress
	_, err := d.Diagnose(context.Background(), openerFor([]byte(sb.String())), func(p Progress) {
		checkpoints = append(checkpoints, p)
	})
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	// Pass 1 end, rows 100, rows 200, final rows 250.
	var rowCheckpoints []int
	for _, p := range checkpoints {
		if p.Pass == 2 {
			rowCheckpoints = append(rowCheckpoints, p.Rows)
		}
	}
	if want := []int{100, 200, 250}; !reflect.DeepEqual(rowCheckpoints, want) {
		t.Errorf("row checkpoints = %v, want %v", rowCheckpoints, want)
	}
}

// The leading buffer must stay bounded no matter the input size.
func TestLeadingBuffer_Bounded(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 100*1024)
	lb := NewLeadingBuffer(bytes.NewReader(big), 1024)

	n, err := io.Copy(io.Discard, lb)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n != int64(len(big)) {
		t.Errorf("copied %d bytes, want %d", n, len(big))
	}
	if len(lb.Bytes()) != 1024 {
		t.Errorf("retained %d bytes, want 1024", len(lb.Bytes()))
	}
}
