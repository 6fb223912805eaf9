package sheet

import (
	"context"
	"encoding/json"

	"factsheet/storage"
)

// History pages through the subject's journal. The cursor is opaque; pass
// back NextCursor from the previous page.
func (s *Sheet) History(ctx context.Context, subject string, opts HistoryOptions) (*HistoryPage, error) {
	a, err := s.adapter()
	if err != nil {
		return nil, err
	}
	return a.History(ctx, subject, storage.HistoryQuery{
		Field:  opts.Field,
		Cursor: opts.Cursor,
		Limit:  opts.Limit,
	})
}

// FactsForPrompt renders the profile as a compact JSON string with keys
// sorted alphabetically, ready for prompt injection. Returns "" when the
// subject has no record.
func (s *Sheet) FactsForPrompt(ctx context.Context, subject string, opts FactsOptions) (string, error) {
	profile, err := s.selectFields(ctx, subject, opts.Select, opts.IncludeNulls)
	if err != nil || profile == nil {
		return "", err
	}
	b, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Filters returns the subject's non-absent fields, optionally restricted to
// a selection. Useful as query filters for downstream systems.
func (s *Sheet) Filters(ctx context.Context, subject string, fields ...string) (map[string]any, error) {
	profile, err := s.selectFields(ctx, subject, fields, false)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return map[string]any{}, nil
	}
	return profile, nil
}

func (s *Sheet) selectFields(ctx context.Context, subject string, selection []string, includeNulls bool) (map[string]any, error) {
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

	var selected map[string]bool
	if len(selection) > 0 {
		selected = make(map[string]bool, len(selection))
		for _, f := range selection {
			selected[f] = true
		}
	}

	out := map[string]any{}
	for k, v := range rec.Profile {
		if selected != nil && !selected[k] {
			continue
		}
		if v == nil && !includeNulls {
			continue
		}
		out[k] = v
	}
	return out, nil
}
