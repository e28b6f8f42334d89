// Package diagnostics inspects uploaded tabular files before any other
// pipeline stage touches them.
//
// Diagnosis is two streaming passes over the file, never a full load:
//
//  1. Structure pass: SHA-256, byte size, newline count, and a bounded
//     leading buffer (10KB by default) for BOM/encoding/CRLF sniffing and
//     header extraction.
//  2. Row pass: CSV re-parse recording every row whose field count differs
//     from the header, by physical line number.
//
// Structural failures (empty file, undecodable bytes, missing header) stop
// the pipeline immediately with no retry. Malformed rows are recorded in
// the report as integrity findings; the caller decides to gate downstream
// stages on them.
package diagnostics

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Structural failure sentinels. None of these are retryable.
var (
	ErrEmptyFile     = errors.New("diagnostics: file is empty")
	ErrUndecodable   = errors.New("diagnostics: file is not decodable text")
	ErrMissingHeader = errors.New("diagnostics: no header row found")
)

// DefaultLeadingBufferSize bounds how much of the file head is retained
// for sniffing.
const DefaultLeadingBufferSize = 10 * 1024

// DefaultCheckpointRows is how often the row pass reports progress.
const DefaultCheckpointRows = 50000

// OpenFunc reopens the file being diagnosed. It is called once per pass so
// no pass ever seeks or buffers the whole stream.
type OpenFunc func() (io.ReadCloser, error)

// Progress is a checkpoint emitted during a pass for external polling.
type Progress struct {
	Pass      int // 1 = structure, 2 = rows
	BytesRead int64
	Rows      int
}

// ProgressFunc receives periodic checkpoints. May be nil.
type ProgressFunc func(Progress)

// MalformedRow records one row whose field count differs from the header.
type MalformedRow struct {
	Line     int `json:"line"` // physical 1-based line number
	Row      int `json:"row"`  // 1-based data row index (header excluded)
	Expected int `json:"expected"`
	Actual   int `json:"actual"`
}

// Report is the result of diagnosing one file.
// It is a pure function of the file bytes: diagnosing unchanged content
// twice produces an identical report.
type Report struct {
	SHA256    string
	SizeBytes int64
	LineCount int // newline count from the structure pass
	RowCount  int // data rows seen by the row pass

	Header   []string
	HasBOM   bool
	CRLF     bool
	Encoding string // "utf-8" or "ascii"

	MalformedRows []MalformedRow
}

// HasIntegrityWarnings reports whether the file carries non-fatal findings
// that gate conversion and validation until resolved.
func (r *Report) HasIntegrityWarnings() bool {
	return len(r.MalformedRows) > 0
}

// Diagnoser runs streaming diagnosis with fixed memory bounds.
type Diagnoser struct {
	LeadingBufferSize int
	CheckpointRows    int
}

// New returns a Diagnoser with default bounds.
func New() *Diagnoser {
	return &Diagnoser{
		LeadingBufferSize: DefaultLeadingBufferSize,
		CheckpointRows:    DefaultCheckpointRows,
	}
}

// Diagnose runs both passes over the file and assembles the report.
func (d *Diagnoser) Diagnose(ctx context.Context, open OpenFunc, progress ProgressFunc) (*Report, error) {
	report := &Report{}

	if err := d.structurePass(ctx, open, report, progress); err != nil {
		return nil, err
	}
	if err := d.rowPass(ctx, open, report, progress); err != nil {
		return nil, err
	}
	return report, nil
}

// structurePass streams the raw bytes once: hash, size, newline count, and
// the leading buffer for sniffing.
func (d *Diagnoser) structurePass(ctx context.Context, open OpenFunc, report *Report, progress ProgressFunc) error {
	rc, err := open()
	if err != nil {
		return fmt.Errorf("open for structure pass: %w", err)
	}
	defer rc.Close()

	leading := NewLeadingBuffer(rc, d.leadingSize())
	hasher := sha256.New()

	buf := make([]byte, 32*1024)
	var size int64
	var newlines int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := leading.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			size += int64(n)
			for _, b := range buf[:n] {
				if b == '\n' {
					newlines++
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("structure pass read: %w", err)
		}
	}

	if progress != nil {
		progress(Progress{Pass: 1, BytesRead: size})
	}
	if size == 0 {
		return ErrEmptyFile
	}

	report.SHA256 = hex.EncodeToString(hasher.Sum(nil))
	report.SizeBytes = size
	report.LineCount = newlines

	return sniffLeading(leading.Bytes(), report)
}

// sniffLeading inspects the bounded head of the file for BOM, line
// endings, and decodability, and extracts the raw header line.
func sniffLeading(head []byte, report *Report) error {
	if len(head) >= 3 && head[0] == utf8BOM[0] && head[1] == utf8BOM[1] && head[2] == utf8BOM[2] {
		report.HasBOM = true
		head = head[3:]
	}
	if len(head) == 0 {
		return ErrEmptyFile
	}

	ascii := true
	for _, b := range head {
		if b == 0x00 {
			return ErrUndecodable
		}
		if b >= 0x80 {
			ascii = false
		}
	}
	// The buffer bound may cut a multi-byte sequence short; drop up to
	// three trailing continuation bytes before validating.
	check := head
	for i := 0; i < utf8.UTFMax-1 && len(check) > 0 && check[len(check)-1]&0xC0 == 0x80; i++ {
		check = check[:len(check)-1]
	}
	if len(check) > 0 && check[len(check)-1] >= 0xC0 {
		check = check[:len(check)-1]
	}
	if !utf8.Valid(check) {
		return ErrUndecodable
	}
	if ascii {
		report.Encoding = "ascii"
	} else {
		report.Encoding = "utf-8"
	}

	headerLine := splitLine(head)
	if len(headerLine) == 0 {
		return ErrMissingHeader
	}
	report.CRLF = headerLine[len(headerLine)-1] == '\r'

	return nil
}

// splitLine returns the first line of data, without a trailing \n.
func splitLine(data []byte) []byte {
	for i, b := range data {
		if b == '\n' {
			return data[:i]
		}
	}
	return data
}

// rowPass re-parses the file as CSV and records every row whose field
// count differs from the header. Nothing is buffered beyond one record.
func (d *Diagnoser) rowPass(ctx context.Context, open OpenFunc, report *Report, progress ProgressFunc) error {
	rc, err := open()
	if err != nil {
		return fmt.Errorf("open for row pass: %w", err)
	}
	defer rc.Close()

	counting := NewCountingReader(NewBOMSkippingReader(rc))
	r := csv.NewReader(counting)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true

	header, err := r.Read()
	if err == io.EOF {
		return ErrMissingHeader
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMissingHeader, err)
	}
	report.Header = append([]string(nil), header...)
	expected := len(header)

	checkpoint := d.checkpointRows()
	row := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// CSV-level parse failures are structural: the scanner
			// cannot trust anything after a broken quote sequence.
			return fmt.Errorf("%w: row parse: %v", ErrUndecodable, err)
		}

		row++
		line, _ := r.FieldPos(0)
		if len(record) != expected {
			report.MalformedRows = append(report.MalformedRows, MalformedRow{
				Line:     line,
				Row:      row,
				Expected: expected,
				Actual:   len(record),
			})
		}

		if progress != nil && row%checkpoint == 0 {
			progress(Progress{Pass: 2, BytesRead: counting.BytesRead, Rows: row})
		}
	}

	report.RowCount = row
	if progress != nil {
		progress(Progress{Pass: 2, BytesRead: counting.BytesRead, Rows: row})
	}
	return nil
}

func (d *Diagnoser) leadingSize() int {
	if d.LeadingBufferSize > 0 {
		return d.LeadingBufferSize
	}
	return DefaultLeadingBufferSize
}

func (d *Diagnoser) checkpointRows() int {
	if d.CheckpointRows > 0 {
		return d.CheckpointRows
	}
	return DefaultCheckpointRows
}
