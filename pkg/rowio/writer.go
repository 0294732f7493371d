package rowio

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// DefaultOutputField is the column holding the model output.
const DefaultOutputField = "response"

// WriterOptions configures a JSONLWriter.
type WriterOptions struct {
	// OutputField names the output column. Defaults to DefaultOutputField.
	OutputField string
	// WithUsage adds token, cost and cache columns.
	WithUsage bool
}

// JSONLWriter writes one JSON object per output record: the input fields
// augmented with the output column and, for failed rows, the error.
type JSONLWriter struct {
	enc  *json.Encoder
	opts WriterOptions
}

// NewJSONLWriter creates a writer on w.
func NewJSONLWriter(w io.Writer, opts WriterOptions) *JSONLWriter {
	if opts.OutputField == "" {
		opts.OutputField = DefaultOutputField
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{enc: enc, opts: opts}
}

// Write appends one row.
func (w *JSONLWriter) Write(o models.OutputRecord) error {
	row := make(map[string]any, len(o.Fields)+8)
	maps.Copy(row, o.Fields)

	row[w.opts.OutputField] = o.Text
	if len(o.ToolCalls) > 0 {
		row["tool_calls"] = o.ToolCalls
	}
	if o.Failed() {
		row[w.opts.OutputField] = nil
		row["error"] = o.Error
		row["error_kind"] = o.ErrorKind
	}
	if w.opts.WithUsage {
		row["usage"] = o.Usage
		row["cache_hit"] = o.CacheHit
		row["attempts"] = o.Attempts
		if o.CostKnown {
			row["cost"] = o.Cost
		} else {
			row["cost"] = nil
		}
	}

	if err := w.enc.Encode(row); err != nil {
		return fmt.Errorf("write row %d: %w", o.Index, err)
	}
	return nil
}
