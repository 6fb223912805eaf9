package sheet

import (
	"context"
	"sort"
	"time"
)

// Patch applies caller-supplied trusted facts directly. Trusted writes skip
// the recency-window rejection so backfills always land; the priority and
// timestamp rules still apply.
func (s *Sheet) Patch(ctx context.Context, req PatchRequest) (*PatchResult, error) {
	if req.IdempotencyKey != "" {
		if cached, ok := s.idem.get("patch", req.Subject, req.IdempotencyKey); ok {
			return cached.(*PatchResult), nil
		}
	}

	schema := s.currentSchema()
	if schema == nil {
		return nil, ErrSchemaNotRegistered
	}

	source := req.Source
	if source == "" {
		source = SourceManual
	}
	confidence := req.Confidence
	if confidence == 0 {
		confidence = 1.0
	}

	now := time.Now()
	candidates := make([]Candidate, 0, len(req.Facts))
	fields := make([]string, 0, len(req.Facts))
	for f := range req.Facts {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		candidates = append(candidates, Candidate{
			Field:         f,
			Value:         req.Facts[f],
			Confidence:    confidence,
			TimestampMS:   req.TimestampMS,
			present:       true,
			hasConfidence: true,
		})
	}

	candidates = normalizeCandidates(candidates, source, now)
	valid, gateRejected, gateJournal := s.gate(schema, candidates)

	outcome, err := s.applyBatch(ctx, req.Subject, schema, valid, gateJournal, true)
	if err != nil {
		return nil, err
	}

	rejected := append(gateRejected, outcome.Rejected...)
	s.emitWriteEvents(req.Subject, outcome, rejected)

	result := &PatchResult{
		Profile:  outcome.Profile,
		Updated:  outcome.Updated,
		Rejected: rejected,
	}
	if req.IdempotencyKey != "" {
		s.idem.put("patch", req.Subject, req.IdempotencyKey, result)
	}
	return result, nil
}
