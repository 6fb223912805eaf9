package sheet

import (
	"testing"
	"time"

	"factsheet/storage"
)

func testPolicy() Policy {
	return DefaultPolicy()
}

func notNullable(string) bool { return false }

func existingRecord(field string, value any, source string, ts int64) *storage.Record {
	return &storage.Record{
		Profile: map[string]any{field: value},
		Provenance: map[string]storage.ProvenanceEntry{
			field: {Value: value, Source: source, TimestampMS: ts, Confidence: 1},
		},
		ETag: "1",
	}
}

func TestMergeAcceptsIntoEmptyProfile(t *testing.T) {
	out := mergeCandidates(nil, []Candidate{
		{Field: "role", Value: "engineer", Confidence: 0.5, Source: SourceCRM, TimestampMS: 1000, present: true},
	}, testPolicy(), notNullable, false)

	if out.Profile["role"] != "engineer" {
		t.Fatalf("expected role engineer, got %v", out.Profile["role"])
	}
	if out.Provenance["role"].Source != SourceCRM {
		t.Fatalf("expected crm provenance, got %q", out.Provenance["role"].Source)
	}
	if len(out.Rejected) != 0 {
		t.Fatalf("expected no rejections, got %v", out.Rejected)
	}
	if len(out.History) != 1 || out.History[0].Action != storage.ActionSet {
		t.Fatalf("expected one set entry, got %v", out.History)
	}
}

func TestMergeConfidenceBoundary(t *testing.T) {
	pol := testPolicy()
	pol.MinConfidence = 0.5

	out := mergeCandidates(nil, []Candidate{
		{Field: "role", Value: "a", Confidence: 0.5, Source: SourceManual, TimestampMS: 1, present: true},
		{Field: "name", Value: "b", Confidence: 0.49, Source: SourceManual, TimestampMS: 1, present: true},
	}, pol, notNullable, false)

	if _, ok := out.Updated["role"]; !ok {
		t.Fatalf("candidate at exactly min confidence must be accepted")
	}
	if len(out.Rejected) != 1 || out.Rejected[0].Reason != ReasonLowConfidence {
		t.Fatalf("expected low_confidence rejection, got %v", out.Rejected)
	}
}

func TestMergeAbsentValueIsSchemaInvalid(t *testing.T) {
	out := mergeCandidates(nil, []Candidate{
		{Field: "role", Confidence: 1, Source: SourceManual, TimestampMS: 1},
	}, testPolicy(), notNullable, false)

	if len(out.Rejected) != 1 || out.Rejected[0].Reason != ReasonSchemaInvalid {
		t.Fatalf("expected schema_invalid, got %v", out.Rejected)
	}
}

func TestMergeRecencyBoundary(t *testing.T) {
	pol := testPolicy()
	pol.RecencyWindowMS = 24 * 60 * 60 * 1000
	T := time.Now().UnixMilli()
	rec := existingRecord("role", "founder", SourceManual, T)

	// Exactly the window old, lower priority: stale.
	out := mergeCandidates(rec, []Candidate{
		{Field: "role", Value: "engineer", Confidence: 1, Source: SourceObserve, TimestampMS: T - pol.RecencyWindowMS, present: true},
	}, pol, notNullable, false)

	if len(out.Rejected) != 1 || out.Rejected[0].Reason != ReasonOutsideRecency {
		t.Fatalf("expected outside_recency, got %v", out.Rejected)
	}
	if out.Profile["role"] != "founder" {
		t.Fatalf("profile must be unchanged, got %v", out.Profile["role"])
	}
}

func TestMergeSkipRecencyStillRejectsOlderSamePriority(t *testing.T) {
	T := time.Now().UnixMilli()
	rec := existingRecord("role", "founder", SourceManual, T)

	out := mergeCandidates(rec, []Candidate{
		{Field: "role", Value: "engineer", Confidence: 1, Source: SourceManual, TimestampMS: T - 3600_000, present: true},
	}, testPolicy(), notNullable, true)

	if len(out.Rejected) != 1 || out.Rejected[0].Reason != ReasonOlderTimestamp {
		t.Fatalf("expected older_timestamp, got %v", out.Rejected)
	}
}

func TestMergeTimestampTiePreservesExisting(t *testing.T) {
	T := int64(5000)
	rec := existingRecord("role", "founder", SourceManual, T)

	out := mergeCandidates(rec, []Candidate{
		{Field: "role", Value: "engineer", Confidence: 1, Source: SourceManual, TimestampMS: T, present: true},
	}, testPolicy(), notNullable, true)

	if out.Profile["role"] != "founder" {
		t.Fatalf("tie must preserve existing value, got %v", out.Profile["role"])
	}
	if len(out.Rejected) != 1 || out.Rejected[0].Reason != ReasonOlderTimestamp {
		t.Fatalf("expected older_timestamp, got %v", out.Rejected)
	}
}

func TestMergeLowerPriorityNotNewerLoses(t *testing.T) {
	T := time.Now().UnixMilli()
	rec := existingRecord("role", "founder", SourceCRM, T)

	out := mergeCandidates(rec, []Candidate{
		{Field: "role", Value: "engineer", Confidence: 1, Source: SourceObserve, TimestampMS: T - 1000, present: true},
	}, testPolicy(), notNullable, false)

	if len(out.Rejected) != 1 || out.Rejected[0].Reason != ReasonLowerPriority {
		t.Fatalf("expected lower_priority, got %v", out.Rejected)
	}
}

func TestMergeNewerLowerPriorityOverrides(t *testing.T) {
	T := time.Now().UnixMilli()
	rec := existingRecord("name", "Ada", SourceManual, T-10_000)

	out := mergeCandidates(rec, []Candidate{
		{Field: "name", Value: "Bob", Confidence: 0.9, Source: SourceObserve, TimestampMS: T, present: true},
	}, testPolicy(), notNullable, false)

	if out.Profile["name"] != "Bob" {
		t.Fatalf("newer observation must override, got %v", out.Profile["name"])
	}
}

func TestMergeBatchOrderingBestWins(t *testing.T) {
	T := time.Now().UnixMilli()

	out := mergeCandidates(nil, []Candidate{
		{Field: "role", Value: "A", Confidence: 1, Source: SourceObserve, TimestampMS: T - 1000, present: true},
		{Field: "role", Value: "B", Confidence: 1, Source: SourceObserve, TimestampMS: T, present: true},
	}, testPolicy(), notNullable, false)

	if out.Profile["role"] != "B" {
		t.Fatalf("expected B to win, got %v", out.Profile["role"])
	}
	if len(out.Rejected) != 1 || out.Rejected[0].Reason != ReasonOlderTimestamp {
		t.Fatalf("expected A rejected older_timestamp, got %v", out.Rejected)
	}
}

func TestMergeNullHandling(t *testing.T) {
	nullable := func(field string) bool { return field == "company" }

	out := mergeCandidates(nil, []Candidate{
		{Field: "company", Value: nil, Confidence: 1, Source: SourceManual, TimestampMS: 1, present: true},
		{Field: "role", Value: nil, Confidence: 1, Source: SourceManual, TimestampMS: 1, present: true},
	}, testPolicy(), nullable, true)

	if _, ok := out.Updated["company"]; !ok {
		t.Fatalf("null into nullable field must be accepted")
	}
	var sawDelete, sawNotNullable bool
	for _, e := range out.History {
		if e.Field == "company" && e.Action == storage.ActionDelete {
			sawDelete = true
		}
		if e.Field == "role" && e.Action == storage.ActionRejected && e.Reason == ReasonNotNullable {
			sawNotNullable = true
		}
	}
	if !sawDelete {
		t.Fatalf("expected delete action for company, history %v", out.History)
	}
	if !sawNotNullable {
		t.Fatalf("expected not_nullable rejection for role, history %v", out.History)
	}
}

func TestMergeTruncatesLongStrings(t *testing.T) {
	pol := testPolicy()
	pol.MaxFieldLength = 8

	out := mergeCandidates(nil, []Candidate{
		{Field: "name", Value: "abcdefghij", Confidence: 1, Source: SourceManual, TimestampMS: 1, present: true},
	}, pol, notNullable, false)

	if out.Profile["name"] != "abcdefgh" {
		t.Fatalf("expected truncation to 8 chars, got %v", out.Profile["name"])
	}
}

func TestMergeProfileProvenanceKeySetsMatch(t *testing.T) {
	T := time.Now().UnixMilli()
	out := mergeCandidates(nil, []Candidate{
		{Field: "a", Value: "1", Confidence: 1, Source: SourceManual, TimestampMS: T, present: true},
		{Field: "b", Value: 2.0, Confidence: 1, Source: SourceCRM, TimestampMS: T, present: true},
		{Field: "c", Value: "x", Confidence: 0.1, Source: SourceObserve, TimestampMS: T, present: true},
	}, testPolicy(), notNullable, false)

	if len(out.Profile) != len(out.Provenance) {
		t.Fatalf("profile/provenance key sets differ: %v vs %v", out.Profile, out.Provenance)
	}
	for k := range out.Profile {
		if _, ok := out.Provenance[k]; !ok {
			t.Fatalf("missing provenance for %q", k)
		}
	}
}

func TestMergeDoesNotMutateInputRecord(t *testing.T) {
	rec := existingRecord("role", "founder", SourceManual, 1000)
	_ = mergeCandidates(rec, []Candidate{
		{Field: "role", Value: "engineer", Confidence: 1, Source: SourceManual, TimestampMS: 2000, present: true},
	}, testPolicy(), notNullable, false)

	if rec.Profile["role"] != "founder" {
		t.Fatalf("input record mutated: %v", rec.Profile)
	}
}

func TestNormalizeCandidates(t *testing.T) {
	now := time.Now()
	batch := normalizeCandidates([]Candidate{
		{Field: "a", Value: 1, present: true},
		{Field: "b", Value: 2, Inferred: true, present: true},
		{Field: "c", Value: 3, Source: SourceCRM, TimestampMS: 42, present: true},
	}, SourceObserve, now)

	if batch[0].Source != SourceObserve || batch[0].TimestampMS != now.UnixMilli() {
		t.Fatalf("bad defaults: %+v", batch[0])
	}
	if batch[1].Source != SourceInferred {
		t.Fatalf("inferred flag must default source to inferred, got %q", batch[1].Source)
	}
	if batch[2].Source != SourceCRM || batch[2].TimestampMS != 42 {
		t.Fatalf("explicit fields must be kept: %+v", batch[2])
	}
}
