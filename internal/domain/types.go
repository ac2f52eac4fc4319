package domain

import "time"

// CommunicationMethod identifies one of the wire formats the bridge can use to
// reach the backend proxy.
type CommunicationMethod string

const (
	MethodScript CommunicationMethod = "script"
	MethodFrame  CommunicationMethod = "frame"
	MethodStream CommunicationMethod = "stream"
	MethodBeacon CommunicationMethod = "beacon"
)

// Query parameter names shared by the chat endpoints and the transports.
const (
	ParamQuestion = "question"
	ParamContext  = "context"
	ParamCallback = "callback"
	ParamSession  = "session"
)

// AnswerSource identifies how an answer was produced.
type AnswerSource string

const (
	// SourceAssistant marks answers relayed from the conversational backend.
	SourceAssistant AnswerSource = "assistant"
	// SourceFallback marks answers produced by the rule-based generator.
	SourceFallback AnswerSource = "fallback"
	// SourceProcessing marks the canned answer returned when the outer
	// deadline expires before either path finishes.
	SourceProcessing AnswerSource = "processing"
)

// ColumnKind distinguishes grouping fields from numeric series.
type ColumnKind string

const (
	ColumnCategory ColumnKind = "category"
	ColumnMeasure  ColumnKind = "measure"
)

// Column describes one field of the host's current view.
type Column struct {
	Name string     `json:"name"`
	Kind ColumnKind `json:"kind"`
}

// DataContext is the snapshot of the host's loaded data that travels with a
// question. Columns keep the host's order: category fields first, then
// measures. SampleRows holds at most the first ten rows, keyed by column name.
type DataContext struct {
	FileName    string           `json:"fileName,omitempty"`
	ReportTitle string           `json:"reportTitle,omitempty"`
	Columns     []Column         `json:"columns"`
	RowCount    int              `json:"rowCount"`
	SampleRows  []map[string]any `json:"sampleRows"`
	HasData     bool             `json:"hasData"`
	ExtractedAt time.Time        `json:"extractedAt"`
}

// ColumnNames returns the column names in context order.
func (d DataContext) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// Envelope is the response shape every chat endpoint produces, regardless of
// transport. ExecutionTime is in milliseconds.
type Envelope struct {
	Answer        string       `json:"answer"`
	Method        AnswerSource `json:"method"`
	ExecutionTime int64        `json:"executionTime"`
	Timestamp     time.Time    `json:"timestamp"`
	Error         string       `json:"error,omitempty"`
}
