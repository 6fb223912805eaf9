package sheet

import (
	"context"
	"time"

	"github.com/google/uuid"

	"go.uber.org/zap"
)

// Observe feeds conversational text through the extractor and merges the
// resulting candidate facts. In async mode the call returns a snapshot
// immediately and the pipeline runs in the background; completion is
// reported through the observe_complete event.
func (s *Sheet) Observe(ctx context.Context, req ObserveRequest) (*ObserveResult, error) {
	if req.IdempotencyKey != "" {
		if cached, ok := s.idem.get("observe", req.Subject, req.IdempotencyKey); ok {
			return cached.(*ObserveResult), nil
		}
	}

	schema := s.currentSchema()
	if schema == nil {
		return nil, ErrSchemaNotRegistered
	}
	if s.extractor == nil {
		return nil, ErrExtractorNotConfigured
	}

	requestID := uuid.New().String()

	if req.Mode == "async" {
		return s.observeAsync(ctx, req, schema, requestID)
	}

	result, err := s.observePipeline(ctx, req, schema, requestID)
	if err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		s.idem.put("observe", req.Subject, req.IdempotencyKey, result)
	}
	return result, nil
}

// observeAsync snapshots the profile before dispatching the background
// worker, so the caller can never see a profile newer than the state the
// background merge starts from.
func (s *Sheet) observeAsync(ctx context.Context, req ObserveRequest, schema *Schema, requestID string) (*ObserveResult, error) {
	snapshot, err := s.Get(ctx, req.Subject)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		snapshot = map[string]any{}
	}

	immediate := &ObserveResult{
		Profile:   snapshot,
		Updated:   map[string]any{},
		Rejected:  []Rejection{},
		Extracted: map[string]any{},
		Queued:    true,
		RequestID: requestID,
	}
	if req.IdempotencyKey != "" {
		s.idem.put("observe", req.Subject, req.IdempotencyKey, immediate)
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		result, err := s.observePipeline(bgCtx, req, schema, requestID)
		ev := Event{
			Type:      EventObserveComplete,
			Subject:   req.Subject,
			RequestID: requestID,
		}
		if err != nil {
			ev.Err = err
			s.logger.Warn("async observe failed",
				zap.String("subject", req.Subject),
				zap.String("request_id", requestID),
				zap.Error(err))
		} else {
			ev.Result = result
		}
		s.events.emit(ev)
	}()

	return immediate, nil
}

func (s *Sheet) observePipeline(ctx context.Context, req ObserveRequest, schema *Schema, requestID string) (*ObserveResult, error) {
	maxChars := s.Config.MaxInputChars

	extractReq := ExtractRequest{
		Subject:          req.Subject,
		SchemaDescriptor: schema.Describe(),
	}
	switch req.ExtractFrom {
	case "output":
		extractReq.Output = sanitizeText(req.Output, maxChars)
	case "both":
		extractReq.Input = sanitizeText(req.Input, maxChars)
		extractReq.Output = sanitizeText(req.Output, maxChars)
	default:
		extractReq.Input = sanitizeText(req.Input, maxChars)
	}

	extracted := s.extractor.Extract(ctx, extractReq)
	if extracted == nil {
		extracted = &ExtractResult{}
	}
	if extracted.Err != nil && req.OnError == "throw" {
		return nil, extracted.Err
	}

	source := req.Source
	if source == "" {
		source = SourceObserve
	}
	defaultConfidence := req.Confidence
	if defaultConfidence == 0 {
		defaultConfidence = 0.7
	}

	now := time.Now()
	candidates := make([]Candidate, 0, len(extracted.Candidates))
	extractedMap := map[string]any{}
	for _, c := range extracted.Candidates {
		// Only candidates that never carried a confidence get the default;
		// an explicit 0 stays 0 and falls to the low_confidence rule.
		if !c.hasConfidence {
			c.Confidence = defaultConfidence
			c.hasConfidence = true
		}
		extractedMap[c.Field] = c.Value
		candidates = append(candidates, c)
	}

	candidates = normalizeCandidates(candidates, source, now)
	valid, gateRejected, gateJournal := s.gate(schema, candidates)

	outcome, err := s.applyBatch(ctx, req.Subject, schema, valid, gateJournal, false)
	if err != nil {
		return nil, err
	}

	rejected := append(gateRejected, outcome.Rejected...)
	s.emitWriteEvents(req.Subject, outcome, rejected)

	return &ObserveResult{
		Profile:     outcome.Profile,
		Updated:     outcome.Updated,
		Rejected:    rejected,
		Extracted:   extractedMap,
		RawResponse: extracted.RawResponse,
		LatencyMS:   extracted.LatencyMS,
		RequestID:   requestID,
	}, nil
}
