package sheet

import (
	"factsheet/storage"
)

// Rejection reason codes. Part of the public result surface; stable strings.
const (
	ReasonSchemaInvalid  = "schema_invalid"
	ReasonUnknownField   = "unknown_field"
	ReasonLowConfidence  = "low_confidence"
	ReasonLowerPriority  = "lower_priority"
	ReasonOutsideRecency = "outside_recency"
	ReasonOlderTimestamp = "older_timestamp"
	ReasonNotNullable    = "not_nullable"
	ReasonExtrasInvalid  = "extras_invalid"
)

// Well-known candidate sources.
const (
	SourceCRM      = "crm"
	SourceManual   = "manual"
	SourceObserve  = "observe"
	SourceInferred = "inferred"
)

// Candidate is a proposed field update prior to merge-policy evaluation.
type Candidate struct {
	Field       string  `json:"field"`
	Value       any     `json:"value"`
	Confidence  float64 `json:"confidence"`
	Inferred    bool    `json:"inferred"`
	Source      string  `json:"source,omitempty"`
	TimestampMS int64   `json:"timestamp_ms,omitempty"`
	// present distinguishes an explicit null value from an absent one;
	// hasConfidence distinguishes an explicit zero confidence from an
	// omitted one, so a genuine 0 still falls to the low_confidence rule
	// instead of being promoted to the pipeline default.
	present       bool
	hasConfidence bool
}

// NewCandidate builds a candidate carrying an explicit value (including an
// explicit null). Candidates constructed without a value are rejected as
// schema_invalid by the merge.
func NewCandidate(field string, value any, confidence float64, inferred bool, source string, timestampMS int64) Candidate {
	return Candidate{
		Field:         field,
		Value:         value,
		Confidence:    confidence,
		Inferred:      inferred,
		Source:        source,
		TimestampMS:   timestampMS,
		present:       true,
		hasConfidence: true,
	}
}

// Rejection explains why a candidate did not apply. Detail carries the
// schema gate's structured diagnostic when there is one.
type Rejection struct {
	Field  string `json:"field"`
	Value  any    `json:"value,omitempty"`
	Reason string `json:"reason"`
	Source string `json:"source,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Policy controls conflict resolution.
type Policy struct {
	SourcePriority  map[string]int
	MinConfidence   float64
	RecencyWindowMS int64
	MaxFieldLength  int
	ExtrasMaxKeys   int
	Extras          ExtrasPolicy
}

// DefaultPolicy ranks trusted origins above extracted ones.
func DefaultPolicy() Policy {
	return Policy{
		SourcePriority: map[string]int{
			SourceCRM:      3,
			SourceManual:   2,
			SourceObserve:  1,
			SourceInferred: 0,
		},
		MinConfidence:   0.5,
		RecencyWindowMS: 24 * 60 * 60 * 1000,
		MaxFieldLength:  512,
		ExtrasMaxKeys:   20,
		Extras:          DefaultExtrasPolicy(),
	}
}

func (p Policy) priority(source string) int {
	return p.SourcePriority[source]
}

// ObserveRequest feeds conversational text through the extractor.
type ObserveRequest struct {
	Subject        string
	Input          string
	Output         string
	Source         string // defaults to "observe"
	Confidence     float64
	IdempotencyKey string
	Mode           string // "sync" (default) or "async"
	ExtractFrom    string // "input" (default), "output" or "both"
	OnError        string // "skip" (default) or "throw"
}

type ObserveResult struct {
	Profile     map[string]any `json:"profile"`
	Updated     map[string]any `json:"updated"`
	Rejected    []Rejection    `json:"rejected"`
	Extracted   map[string]any `json:"extracted"`
	RawResponse string         `json:"raw_response,omitempty"`
	LatencyMS   int64          `json:"latency_ms,omitempty"`
	Queued      bool           `json:"queued,omitempty"`
	RequestID   string         `json:"request_id"`
}

// PatchRequest applies caller-supplied trusted facts directly.
type PatchRequest struct {
	Subject        string
	Facts          map[string]any
	Source         string  // defaults to "manual"
	Confidence     float64 // defaults to 1.0
	TimestampMS    int64   // defaults to merge time
	IdempotencyKey string
}

type PatchResult struct {
	Profile  map[string]any `json:"profile"`
	Updated  map[string]any `json:"updated"`
	Rejected []Rejection    `json:"rejected"`
}

type HistoryOptions struct {
	Field  string
	Cursor string
	Limit  int
}

type HistoryPage = storage.HistoryPage

type FactsOptions struct {
	Select       []string
	IncludeNulls bool
}
