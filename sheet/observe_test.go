package sheet

import (
	"context"
	"testing"
)

// An extractor that omits confidence gets the pipeline default; one that
// states confidence 0 must fall to the low_confidence rule, not be promoted.
func TestObserveConfidenceDefaulting(t *testing.T) {
	s := New(WithExtractFunc(func(ctx context.Context, req ExtractRequest) *ExtractResult {
		return &ExtractResult{Candidates: []Candidate{
			{Field: "name", Value: "Ada", present: true},
			NewCandidate("role", "founder", 0, false, "", 0),
		}}
	}))
	err := s.RegisterSchema(NewSchema(map[string]*FieldType{
		"name": String(),
		"role": Enum("founder", "engineer"),
	}))
	if err != nil {
		t.Fatalf("register schema: %v", err)
	}

	res, err := s.Observe(context.Background(), ObserveRequest{Subject: "u1", Input: "hi"})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if res.Profile["name"] != "Ada" {
		t.Fatalf("candidate without confidence must land at the default, got %v rejected %v", res.Profile, res.Rejected)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Field != "role" || res.Rejected[0].Reason != ReasonLowConfidence {
		t.Fatalf("explicit zero confidence must reject as low_confidence, got %v", res.Rejected)
	}
	prov, err := s.Storage.Adapter().Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("adapter get: %v", err)
	}
	if got := prov.Provenance["name"].Confidence; got != 0.7 {
		t.Fatalf("defaulted confidence must be 0.7, got %v", got)
	}
}
