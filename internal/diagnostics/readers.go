package diagnostics

// readers.go provides memory-efficient streaming readers for file diagnosis.
//
// These readers wrap io.Reader so diagnostics never loads a file into
// memory, regardless of size:
//
//   - BOMSkippingReader: Removes the UTF-8 BOM (0xEF 0xBB 0xBF) from Windows files
//   - CountingReader: Tracks bytes read for progress reporting
//   - LeadingBuffer: Retains a bounded copy of the first bytes for sniffing

import (
	"io"
)

// utf8BOM is the UTF-8 byte order mark commonly added by Windows programs.
var utf8BOM = [3]byte{0xEF, 0xBB, 0xBF}

// BOMSkippingReader wraps an io.Reader and skips the UTF-8 BOM if present.
type BOMSkippingReader struct {
	reader     io.Reader
	bomChecked bool
	buf        [3]byte // Buffer for BOM detection
	bufData    []byte  // Remaining data after BOM check
	bufOffset  int     // Current read position in bufData

	// SawBOM is true once a BOM was detected and skipped.
	SawBOM bool
}

// NewBOMSkippingReader creates a new BOM-skipping reader.
func NewBOMSkippingReader(r io.Reader) *BOMSkippingReader {
	return &BOMSkippingReader{
		reader: r,
	}
}

// Read implements io.Reader. On the first read, it checks for and skips the BOM.
func (r *BOMSkippingReader) Read(p []byte) (int, error) {
	if !r.bomChecked {
		r.bomChecked = true

		// Read first 3 bytes to check for BOM
		n, err := io.ReadFull(r.reader, r.buf[:])
		if n == 0 {
			return 0, err
		}

		if n >= 3 && r.buf == utf8BOM {
			// BOM found - skip it
			r.SawBOM = true
			r.bufData = nil
		} else {
			// No BOM - preserve the bytes we read
			r.bufData = r.buf[:n]
			r.bufOffset = 0
		}

		// If we hit EOF during BOM check, handle it
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		if len(r.bufData) > 0 {
			copied := copy(p, r.bufData[r.bufOffset:])
			r.bufOffset += copied
			if r.bufOffset >= len(r.bufData) {
				r.bufData = nil
			}
			if copied < len(p) && err != io.EOF {
				n, err2 := r.reader.Read(p[copied:])
				return copied + n, err2
			}
			return copied, err
		}
		if err == io.EOF {
			return 0, io.EOF
		}
	}

	// Return any remaining buffered data first
	if len(r.bufData) > r.bufOffset {
		copied := copy(p, r.bufData[r.bufOffset:])
		r.bufOffset += copied
		if r.bufOffset >= len(r.bufData) {
			r.bufData = nil
		}
		return copied, nil
	}

	return r.reader.Read(p)
}

// CountingReader wraps an io.Reader to track bytes read.
// Used for progress reporting during streaming passes.
type CountingReader struct {
	reader    io.Reader
	BytesRead int64
}

// NewCountingReader creates a counting reader.
func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{reader: r}
}

// Read implements io.Reader.
func (r *CountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.BytesRead += int64(n)
	return n, err
}

// LeadingBuffer retains up to max bytes of the stream as it passes through.
// Everything after the bound is discarded by the buffer (but still returned
// to the caller), keeping memory usage fixed regardless of file size.
type LeadingBuffer struct {
	reader io.Reader
	max    int
	buf    []byte
}

// NewLeadingBuffer wraps r, retaining the first max bytes seen.
func NewLeadingBuffer(r io.Reader, max int) *LeadingBuffer {
	return &LeadingBuffer{
		reader: r,
		max:    max,
		buf:    make([]byte, 0, max),
	}
}

// Read implements io.Reader.
func (l *LeadingBuffer) Read(p []byte) (int, error) {
	n, err := l.reader.Read(p)
	if n > 0 && len(l.buf) < l.max {
		take := n
		if remaining := l.max - len(l.buf); take > remaining {
			take = remaining
		}
		l.buf = append(l.buf, p[:take]...)
	}
	return n, err
}

// Bytes returns the retained leading bytes.
func (l *LeadingBuffer) Bytes() []byte {
	return l.buf
}
