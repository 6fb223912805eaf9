package sheet

import (
	"sort"
	"time"

	"factsheet/storage"
)

// mergeOutcome is what a candidate batch does to a record. Profile and
// Provenance are fresh copies; the inputs are never mutated.
type mergeOutcome struct {
	Profile    map[string]any
	Provenance map[string]storage.ProvenanceEntry
	Updated    map[string]any
	Rejected   []Rejection
	History    []storage.HistoryEntry
}

// normalizeCandidates fills candidate defaults: a missing source becomes
// "inferred" when the inferred flag is set, else the pipeline default; a
// missing timestamp becomes the captured merge time.
func normalizeCandidates(batch []Candidate, defaultSource string, now time.Time) []Candidate {
	nowMS := now.UnixMilli()
	out := make([]Candidate, len(batch))
	for i, c := range batch {
		if c.Source == "" {
			if c.Inferred {
				c.Source = SourceInferred
			} else {
				c.Source = defaultSource
			}
		}
		if c.TimestampMS == 0 {
			c.TimestampMS = nowMS
		}
		out[i] = c
	}
	return out
}

// mergeCandidates decides which candidates survive against the current
// state. Pure: no I/O and no clock calls; the batch is normalized (sources
// and timestamps defaulted) before it gets here, so the result depends only
// on (state, batch, policy).
func mergeCandidates(
	current *storage.Record,
	batch []Candidate,
	policy Policy,
	nullable func(field string) bool,
	skipRecencyCheck bool,
) mergeOutcome {
	out := mergeOutcome{
		Profile:    map[string]any{},
		Provenance: map[string]storage.ProvenanceEntry{},
		Updated:    map[string]any{},
	}
	if current != nil {
		for k, v := range current.Profile {
			out.Profile[k] = v
		}
		for k, v := range current.Provenance {
			out.Provenance[k] = v
		}
	}

	// Stable order: best candidate per field first, so lesser candidates for
	// the same field fall to the older_timestamp rule.
	ordered := make([]Candidate, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		pa, pb := policy.priority(a.Source), policy.priority(b.Source)
		if pa != pb {
			return pa > pb
		}
		if a.TimestampMS != b.TimestampMS {
			return a.TimestampMS > b.TimestampMS
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Field < b.Field
	})

	for _, c := range ordered {
		if reason := decide(&out, c, policy, nullable, skipRecencyCheck); reason != "" {
			out.Rejected = append(out.Rejected, Rejection{
				Field:  c.Field,
				Value:  c.Value,
				Reason: reason,
				Source: c.Source,
			})
			out.History = append(out.History, storage.HistoryEntry{
				Field:         c.Field,
				Value:         c.Value,
				PreviousValue: out.Profile[c.Field],
				Source:        c.Source,
				TimestampMS:   c.TimestampMS,
				Confidence:    c.Confidence,
				Inferred:      c.Inferred,
				Action:        storage.ActionRejected,
				Reason:        reason,
			})
		}
	}
	return out
}

// decide applies the policy rules in order and either writes the candidate
// into the outcome or returns a rejection reason.
func decide(out *mergeOutcome, c Candidate, policy Policy, nullable func(string) bool, skipRecencyCheck bool) string {
	if !c.present && c.Value == nil {
		return ReasonSchemaInvalid
	}
	if c.Confidence < policy.MinConfidence {
		return ReasonLowConfidence
	}

	existing, exists := out.Provenance[c.Field]
	if exists {
		candPrio := policy.priority(c.Source)
		exPrio := policy.priority(existing.Source)
		age := existing.TimestampMS - c.TimestampMS

		if !skipRecencyCheck &&
			candPrio <= exPrio &&
			c.TimestampMS <= existing.TimestampMS &&
			policy.RecencyWindowMS > 0 &&
			age >= policy.RecencyWindowMS {
			return ReasonOutsideRecency
		}
		// An exact timestamp tie at equal priority keeps the existing value.
		if candPrio == exPrio && c.TimestampMS <= existing.TimestampMS {
			return ReasonOlderTimestamp
		}
		// A strictly newer candidate overrides regardless of priority; a
		// lower-priority one that is not newer loses.
		if candPrio < exPrio && c.TimestampMS <= existing.TimestampMS {
			return ReasonLowerPriority
		}
	}

	if c.Value == nil && !nullable(c.Field) {
		return ReasonNotNullable
	}

	value := c.Value
	if s, ok := value.(string); ok && policy.MaxFieldLength > 0 && len(s) > policy.MaxFieldLength {
		value = s[:policy.MaxFieldLength]
	}

	previous := out.Profile[c.Field]
	out.Profile[c.Field] = value
	out.Provenance[c.Field] = storage.ProvenanceEntry{
		Value:       value,
		Source:      c.Source,
		TimestampMS: c.TimestampMS,
		Confidence:  c.Confidence,
		Inferred:    c.Inferred,
	}
	out.Updated[c.Field] = value

	action := storage.ActionSet
	if value == nil {
		action = storage.ActionDelete
	}
	out.History = append(out.History, storage.HistoryEntry{
		Field:         c.Field,
		Value:         value,
		PreviousValue: previous,
		Source:        c.Source,
		TimestampMS:   c.TimestampMS,
		Confidence:    c.Confidence,
		Inferred:      c.Inferred,
		Action:        action,
	})
	return ""
}
