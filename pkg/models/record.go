package models

// Record is one unit of input work, usually a table row.
type Record struct {
	Index  int            `json:"index"`
	Fields map[string]any `json:"fields"`
}

// ErrorKind classifies why an output row carries an error.
type ErrorKind string

const (
	ErrKindTemplate         ErrorKind = "template"
	ErrKindAuth             ErrorKind = "auth"
	ErrKindRequest          ErrorKind = "request"
	ErrKindContentPolicy    ErrorKind = "content_policy"
	ErrKindRetriesExhausted ErrorKind = "retries_exhausted"
	ErrKindBudget           ErrorKind = "budget"
	ErrKindCancelled        ErrorKind = "cancelled"
	ErrKindProvider         ErrorKind = "provider"
)

// OutputRecord is the result for exactly one input Record.
type OutputRecord struct {
	Index        int            `json:"index"`
	Fields       map[string]any `json:"fields,omitempty"`
	Text         string         `json:"text"`
	FinishReason string         `json:"finish_reason,omitempty"`
	ToolCalls    []ToolCall     `json:"tool_calls,omitempty"`
	Usage        TokenUsage     `json:"usage"`
	Cost         float64        `json:"cost"`
	CostKnown    bool           `json:"cost_known"`
	CacheHit     bool           `json:"cache_hit"`
	Attempts     int            `json:"attempts"`
	Error        string         `json:"error,omitempty"`
	ErrorKind    ErrorKind      `json:"error_kind,omitempty"`
}

// Failed reports whether the row is error-marked.
func (o OutputRecord) Failed() bool { return o.ErrorKind != "" }
