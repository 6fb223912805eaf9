package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
)

// memoryAdapter keeps everything in a process-local map. Useful for tests
// and single-process deployments; the CAS contract is identical to the
// external backends.
type memoryAdapter struct {
	mu         sync.RWMutex
	records    map[string]*memRecord
	maxHistory int
}

type memRecord struct {
	profile    map[string]any
	provenance map[string]ProvenanceEntry
	version    int64
	history    []memHistoryEntry
	seq        int64
}

// memHistoryEntry pairs a journal entry with a per-subject insertion
// sequence. Batches share one timestamp, so the cursor must key on
// something unique per entry.
type memHistoryEntry struct {
	seq   int64
	entry HistoryEntry
}

func newMemoryAdapter(_ any, opts Options) (Adapter, error) {
	return &memoryAdapter{
		records:    make(map[string]*memRecord),
		maxHistory: opts.maxHistory(),
	}, nil
}

func (a *memoryAdapter) Dialect() string                   { return "memory" }
func (a *memoryAdapter) Migrate(context.Context) error     { return nil }
func (a *memoryAdapter) HealthCheck(context.Context) error { return nil }

func (a *memoryAdapter) Get(_ context.Context, subject string) (*Record, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rec, ok := a.records[subject]
	if !ok {
		return nil, nil
	}
	return &Record{
		Profile:    cloneProfile(rec.profile),
		Provenance: cloneProvenance(rec.provenance),
		ETag:       strconv.FormatInt(rec.version, 10),
	}, nil
}

func (a *memoryAdapter) Set(_ context.Context, subject string, profile map[string]any, provenance map[string]ProvenanceEntry, opts SetOptions, history []HistoryEntry) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.records[subject]
	var version int64
	switch {
	case opts.Force:
		version = 1
		if cur != nil {
			version = cur.version + 1
		}
	case opts.ETag == "":
		if cur != nil {
			return "", ErrConflict
		}
		version = 1
	default:
		if cur == nil || strconv.FormatInt(cur.version, 10) != opts.ETag {
			return "", ErrConflict
		}
		version = cur.version + 1
	}

	rec := &memRecord{
		profile:    cloneProfile(profile),
		provenance: cloneProvenance(provenance),
		version:    version,
	}
	if cur != nil {
		rec.history = cur.history
		rec.seq = cur.seq
	}
	for _, e := range history {
		rec.seq++
		rec.history = append(rec.history, memHistoryEntry{seq: rec.seq, entry: e})
	}
	rec.history = trimHistory(rec.history, a.maxHistory)
	a.records[subject] = rec

	return strconv.FormatInt(version, 10), nil
}

func (a *memoryAdapter) AppendHistory(_ context.Context, subject string, entries []HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.records[subject]
	if rec == nil {
		rec = &memRecord{}
		a.records[subject] = rec
	}
	for _, e := range entries {
		rec.seq++
		rec.history = append(rec.history, memHistoryEntry{seq: rec.seq, entry: e})
	}
	rec.history = trimHistory(rec.history, a.maxHistory)
	return nil
}

// History pages through the journal. The cursor is the insertion sequence of
// the last entry returned, so same-timestamp siblings are never skipped.
func (a *memoryAdapter) History(_ context.Context, subject string, q HistoryQuery) (*HistoryPage, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var after int64
	if q.Cursor != "" {
		v, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err != nil {
			return nil, err
		}
		after = v
	}

	limit := historyLimit(q)
	page := &HistoryPage{}
	rec := a.records[subject]
	if rec == nil {
		return page, nil
	}
	for _, e := range rec.history {
		if e.seq <= after {
			continue
		}
		if q.Field != "" && e.entry.Field != q.Field {
			continue
		}
		page.Entries = append(page.Entries, e.entry)
		if len(page.Entries) >= limit {
			page.NextCursor = strconv.FormatInt(e.seq, 10)
			break
		}
	}
	return page, nil
}

func (a *memoryAdapter) Delete(_ context.Context, subject string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.records, subject)
	return nil
}

func (a *memoryAdapter) ListSubjects(context.Context) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.records))
	for s := range a.records {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func trimHistory(h []memHistoryEntry, max int) []memHistoryEntry {
	if max <= 0 || len(h) <= max {
		return h
	}
	trimmed := make([]memHistoryEntry, max)
	copy(trimmed, h[len(h)-max:])
	return trimmed
}

// cloneProfile deep-copies a profile so callers cannot mutate stored state.
func cloneProfile(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		out := make(map[string]any, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(p))
	_ = json.Unmarshal(b, &out)
	return out
}

func cloneProvenance(p map[string]ProvenanceEntry) map[string]ProvenanceEntry {
	out := make(map[string]ProvenanceEntry, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
