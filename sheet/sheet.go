package sheet

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"factsheet/storage"
)

var (
	ErrSchemaNotRegistered    = errors.New("schema not registered")
	ErrExtractorNotConfigured = errors.New("extractor not configured")
	ErrNoStorage              = errors.New("storage not started")
)

// PersistenceError reports a write that kept losing the CAS race after the
// retry budget was spent.
type PersistenceError struct {
	Attempts int
	Cause    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// Sheet maintains live per-subject fact sheets: schema-gated profiles with
// provenance, journaled history and policy-driven conflict resolution.
type Sheet struct {
	Config  *Config
	Storage *storage.Manager

	schema    *Schema
	extractor Extractor
	events    *emitter
	idem      *idemCache
	logger    *zap.Logger
}

type Option func(*Sheet)

func New(opts ...Option) *Sheet {
	s := &Sheet{
		Config: newConfig(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Defaults
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.Storage == nil {
		s.Storage = storage.NewManager()
		_ = s.Storage.Start(nil)
	}
	s.Config.Storage.Dialect = s.Storage.Dialect()
	s.events = newEmitter(s.logger)
	s.idem = newIdemCache(s.Config.IdempotencyTTL, s.Config.IdempotencyMaxEntries)
	return s
}

func WithStorageConn(conn any) Option {
	return func(s *Sheet) {
		s.Storage = storage.NewManager()
		_ = s.Storage.Start(conn)
	}
}

// WithStorage installs a pre-configured manager (history bounds, key
// prefixes, TTLs).
func WithStorage(m *storage.Manager) Option {
	return func(s *Sheet) { s.Storage = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Sheet) { s.logger = logger }
}

func WithExtractor(e Extractor) Option {
	return func(s *Sheet) { s.extractor = e }
}

// WithExtractFunc wires a custom extraction function.
func WithExtractFunc(f func(ctx context.Context, req ExtractRequest) *ExtractResult) Option {
	return func(s *Sheet) { s.extractor = ExtractFunc(f) }
}

func WithPolicy(p Policy) Option {
	return func(s *Sheet) { s.Config.Policy = p }
}

// RegisterSchema declares the profile's field set. Must be called before any
// write operation.
func (s *Sheet) RegisterSchema(schema *Schema) error {
	if err := schema.validate(); err != nil {
		return err
	}
	s.Config.mu.Lock()
	s.schema = schema
	s.Config.mu.Unlock()
	return nil
}

func (s *Sheet) currentSchema() *Schema {
	s.Config.mu.RLock()
	defer s.Config.mu.RUnlock()
	return s.schema
}

// On registers an event handler. Handlers run synchronously in registration
// order; panics are swallowed and logged.
func (s *Sheet) On(event string, handler func(Event)) {
	s.events.on(event, handler)
}

func (s *Sheet) adapter() (storage.Adapter, error) {
	if s.Storage == nil || s.Storage.Adapter() == nil {
		return nil, ErrNoStorage
	}
	return s.Storage.Adapter(), nil
}

// Get returns the profile, or nil when the subject has no record.
func (s *Sheet) Get(ctx context.Context, subject string) (map[string]any, error) {
	a, err := s.adapter()
	if err != nil {
		return nil, err
	}
	rec, err := a.Get(ctx, subject)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec.Profile, nil
}

// Delete removes the profile and its full history.
func (s *Sheet) Delete(ctx context.Context, subject string) error {
	a, err := s.adapter()
	if err != nil {
		return err
	}
	return a.Delete(ctx, subject)
}

func (s *Sheet) Subjects(ctx context.Context) ([]string, error) {
	a, err := s.adapter()
	if err != nil {
		return nil, err
	}
	return a.ListSubjects(ctx)
}

func (s *Sheet) Health(ctx context.Context) error {
	a, err := s.adapter()
	if err != nil {
		return err
	}
	return a.HealthCheck(ctx)
}

// gate validates and normalizes candidates against the registered schema.
// The extras field routes through the sanitizer instead. Rejections carry a
// journal entry so the audit trail is complete even before the merge.
func (s *Sheet) gate(schema *Schema, batch []Candidate) (valid []Candidate, rejected []Rejection, journal []storage.HistoryEntry) {
	policy := s.Config.Policy
	for _, c := range batch {
		ft, declared := schema.Fields[c.Field]
		if !declared {
			rejected, journal = appendRejection(rejected, journal, c, ReasonUnknownField, "")
			continue
		}

		if c.Field == ExtrasField {
			sanitized, ok := sanitizeExtras(c.Value, policy)
			if !ok {
				rejected, journal = appendRejection(rejected, journal, c, ReasonExtrasInvalid, "")
				continue
			}
			c.Value = sanitized
			valid = append(valid, c)
			continue
		}

		if c.present && c.Value != nil {
			c.Value = ft.FoldEnums(c.Value)
			if err := ft.check(c.Value); err != nil {
				rejected, journal = appendRejection(rejected, journal, c, ReasonSchemaInvalid, err.Error())
				continue
			}
		}
		valid = append(valid, c)
	}
	return valid, rejected, journal
}

func appendRejection(rejected []Rejection, journal []storage.HistoryEntry, c Candidate, reason, detail string) ([]Rejection, []storage.HistoryEntry) {
	rejected = append(rejected, Rejection{
		Field:  c.Field,
		Value:  c.Value,
		Reason: reason,
		Source: c.Source,
		Detail: detail,
	})
	journal = append(journal, storage.HistoryEntry{
		Field:       c.Field,
		Value:       c.Value,
		Source:      c.Source,
		TimestampMS: c.TimestampMS,
		Confidence:  c.Confidence,
		Inferred:    c.Inferred,
		Action:      storage.ActionRejected,
		Reason:      reason,
	})
	return rejected, journal
}

func (s *Sheet) nullablePredicate(schema *Schema) func(string) bool {
	return func(field string) bool {
		ft, ok := schema.Fields[field]
		return ok && ft.IsNullable()
	}
}

// applyBatch runs the read-merge-persist cycle with a single retry when the
// conditional write loses the CAS race.
func (s *Sheet) applyBatch(ctx context.Context, subject string, schema *Schema, candidates []Candidate, gateJournal []storage.HistoryEntry, skipRecency bool) (*mergeOutcome, error) {
	a, err := s.adapter()
	if err != nil {
		return nil, err
	}
	policy := s.Config.Policy
	nullable := s.nullablePredicate(schema)

	const maxAttempts = 2
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rec, err := a.Get(ctx, subject)
		if err != nil {
			return nil, err
		}

		outcome := mergeCandidates(rec, candidates, policy, nullable, skipRecency)
		journal := append(append([]storage.HistoryEntry{}, gateJournal...), outcome.History...)

		if len(outcome.Updated) == 0 {
			// No accepted candidate: no profile write, the etag stays put.
			if len(journal) > 0 {
				if err := a.AppendHistory(ctx, subject, journal); err != nil {
					return nil, err
				}
			}
			return &outcome, nil
		}

		opts := storage.SetOptions{}
		if rec != nil {
			opts.ETag = rec.ETag
		}
		_, err = a.Set(ctx, subject, outcome.Profile, outcome.Provenance, opts, journal)
		if err == nil {
			return &outcome, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, &PersistenceError{Attempts: maxAttempts, Cause: lastErr}
}

// emitWriteEvents fires update/conflict after a successful merge-and-persist.
func (s *Sheet) emitWriteEvents(subject string, outcome *mergeOutcome, rejected []Rejection) {
	if len(outcome.Updated) > 0 {
		s.events.emit(Event{
			Type:    EventUpdate,
			Subject: subject,
			Updated: outcome.Updated,
			Profile: outcome.Profile,
		})
	}
	if len(rejected) > 0 {
		s.events.emit(Event{
			Type:     EventConflict,
			Subject:  subject,
			Rejected: rejected,
		})
	}
}
