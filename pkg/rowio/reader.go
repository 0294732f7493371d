// Package rowio reads input records and writes output rows.
package rowio

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/pario-ai/llmbatch/pkg/models"
)

const maxLineBytes = 16 << 20 // 16 MiB

// Format is an input encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// FormatFor guesses the format from a file extension, defaulting to JSONL.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return FormatCSV
	}
	return FormatJSONL
}

// Reader streams records from an input. The first read error stops the
// sequence and is reported by Err.
type Reader struct {
	r      io.Reader
	format Format
	err    error
	closer io.Closer
}

// NewReader reads records in the given format from r.
func NewReader(r io.Reader, format Format) *Reader {
	return &Reader{r: r, format: format}
}

// Open opens path ("-" for stdin) and picks the format from its extension
// unless format is set.
func Open(path string, format Format) (*Reader, error) {
	if format == "" {
		format = FormatFor(path)
	}
	if path == "-" {
		return NewReader(os.Stdin, format), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	rd := NewReader(f, format)
	rd.closer = f
	return rd, nil
}

// Close closes the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Err returns the error that ended the sequence early, if any.
func (r *Reader) Err() error { return r.err }

// Records returns the record sequence. Index counts records from zero.
func (r *Reader) Records() iter.Seq[models.Record] {
	switch r.format {
	case FormatCSV:
		return r.csvRecords
	case FormatJSONL:
		return r.jsonlRecords
	default:
		return func(func(models.Record) bool) {
			r.err = fmt.Errorf("unsupported input format %q", r.format)
		}
	}
}

func (r *Reader) jsonlRecords(yield func(models.Record) bool) {
	sc := bufio.NewScanner(r.r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line, idx := 0, 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var fields map[string]any
		if err := dec.Decode(&fields); err != nil {
			r.err = fmt.Errorf("line %d: %w", line, err)
			return
		}
		if fields == nil {
			r.err = fmt.Errorf("line %d: expected a JSON object", line)
			return
		}
		if !yield(models.Record{Index: idx, Fields: fields}) {
			return
		}
		idx++
	}
	if err := sc.Err(); err != nil {
		r.err = fmt.Errorf("read input: %w", err)
	}
}

func (r *Reader) csvRecords(yield func(models.Record) bool) {
	cr := csv.NewReader(r.r)
	header, err := cr.Read()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			r.err = fmt.Errorf("read csv header: %w", err)
		}
		return
	}
	header = append([]string(nil), header...)
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	for idx := 0; ; idx++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			r.err = fmt.Errorf("read csv: %w", err)
			return
		}
		fields := make(map[string]any, len(header))
		for i, name := range header {
			fields[name] = row[i]
		}
		if !yield(models.Record{Index: idx, Fields: fields}) {
			return
		}
	}
}
