package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type sqlAdapter struct {
	db         *sql.DB
	dialect    string
	maxHistory int
}

func isSQLDB(conn any) bool {
	_, ok := conn.(*sql.DB)
	return ok
}

func newSQLAdapter(conn any, opts Options) (Adapter, error) {
	db := conn.(*sql.DB)
	// best-effort dialect detection
	driver := db.Driver()
	name := strings.ToLower(fmt.Sprintf("%T", driver))
	dialect := "postgres"
	switch {
	case strings.Contains(name, "sqlite"):
		dialect = "sqlite"
	case strings.Contains(name, "pgx"), strings.Contains(name, "postgres"):
		dialect = "postgres"
	}
	return &sqlAdapter{db: db, dialect: dialect, maxHistory: opts.maxHistory()}, nil
}

func (a *sqlAdapter) Dialect() string { return a.dialect }

// rebind converts ?-style placeholders to the dialect's form.
func (a *sqlAdapter) rebind(query string) string {
	if a.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(fmt.Sprintf("$%d", n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (a *sqlAdapter) Migrate(ctx context.Context) error {
	var migrations map[int][]string
	switch a.dialect {
	case "sqlite":
		migrations = sqliteMigrations
	case "postgres":
		migrations = postgresMigrations
	default:
		return fmt.Errorf("unsupported SQL dialect: %s", a.dialect)
	}

	currentVersion := a.getSchemaVersion(ctx)
	maxVersion := 1

	if currentVersion >= maxVersion {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for v := currentVersion + 1; v <= maxVersion; v++ {
		ops, ok := migrations[v]
		if !ok {
			continue
		}
		for _, op := range ops {
			if _, err := tx.ExecContext(ctx, op); err != nil {
				return fmt.Errorf("migration %d failed: %w", v, err)
			}
		}

		var updateSQL string
		if currentVersion == 0 {
			updateSQL = a.rebind("INSERT INTO factsheet_schema_version (num) VALUES (?)")
		} else {
			updateSQL = a.rebind("UPDATE factsheet_schema_version SET num = ?")
		}
		if _, err := tx.ExecContext(ctx, updateSQL, v); err != nil {
			return err
		}
		currentVersion = v
	}

	return tx.Commit()
}

func (a *sqlAdapter) getSchemaVersion(ctx context.Context) int {
	var version sql.NullInt64
	err := a.db.QueryRowContext(ctx, "SELECT num FROM factsheet_schema_version LIMIT 1").Scan(&version)
	if err != nil || !version.Valid {
		return 0
	}
	return int(version.Int64)
}

func (a *sqlAdapter) Get(ctx context.Context, subject string) (*Record, error) {
	query := a.rebind("SELECT profile, provenance, version FROM factsheet_profile WHERE subject = ?")
	var profileJSON, provJSON string
	var version int64
	err := a.db.QueryRowContext(ctx, query, subject).Scan(&profileJSON, &provJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Profile:    map[string]any{},
		Provenance: map[string]ProvenanceEntry{},
		ETag:       strconv.FormatInt(version, 10),
	}
	if err := json.Unmarshal([]byte(profileJSON), &rec.Profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := json.Unmarshal([]byte(provJSON), &rec.Provenance); err != nil {
		return nil, fmt.Errorf("decode provenance: %w", err)
	}
	return rec, nil
}

// Set updates the profile row with a version guard and appends history rows
// in the same transaction, so neither is observable without the other.
func (a *sqlAdapter) Set(ctx context.Context, subject string, profile map[string]any, provenance map[string]ProvenanceEntry, opts SetOptions, history []HistoryEntry) (string, error) {
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}
	provJSON, err := json.Marshal(provenance)
	if err != nil {
		return "", err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := time.Now()
	var version int64

	switch {
	case opts.Force:
		res, err := tx.ExecContext(ctx,
			a.rebind("UPDATE factsheet_profile SET profile = ?, provenance = ?, version = version + 1, date_updated = ? WHERE subject = ?"),
			string(profileJSON), string(provJSON), now, subject,
		)
		if err != nil {
			return "", err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			version = 1
			if _, err := tx.ExecContext(ctx,
				a.rebind("INSERT INTO factsheet_profile (subject, profile, provenance, version, date_updated) VALUES (?, ?, ?, ?, ?)"),
				subject, string(profileJSON), string(provJSON), version, now,
			); err != nil {
				return "", err
			}
		} else {
			if err := tx.QueryRowContext(ctx,
				a.rebind("SELECT version FROM factsheet_profile WHERE subject = ?"), subject,
			).Scan(&version); err != nil {
				return "", err
			}
		}

	case opts.ETag == "":
		version = 1
		if _, err := tx.ExecContext(ctx,
			a.rebind("INSERT INTO factsheet_profile (subject, profile, provenance, version, date_updated) VALUES (?, ?, ?, ?, ?)"),
			subject, string(profileJSON), string(provJSON), version, now,
		); err != nil {
			// A row appearing between read and write is the concurrency case.
			return "", fmt.Errorf("%w: %v", ErrConflict, err)
		}

	default:
		expected, err := strconv.ParseInt(opts.ETag, 10, 64)
		if err != nil {
			return "", fmt.Errorf("bad etag %q: %w", opts.ETag, err)
		}
		res, err := tx.ExecContext(ctx,
			a.rebind("UPDATE factsheet_profile SET profile = ?, provenance = ?, version = version + 1, date_updated = ? WHERE subject = ? AND version = ?"),
			string(profileJSON), string(provJSON), now, subject, expected,
		)
		if err != nil {
			return "", err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return "", ErrConflict
		}
		version = expected + 1
	}

	if err := a.insertHistoryTx(ctx, tx, subject, history); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return strconv.FormatInt(version, 10), nil
}

func (a *sqlAdapter) AppendHistory(ctx context.Context, subject string, entries []HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := a.insertHistoryTx(ctx, tx, subject, entries); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *sqlAdapter) insertHistoryTx(ctx context.Context, tx *sql.Tx, subject string, entries []HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ins := a.rebind("INSERT INTO factsheet_history (subject, field, value, previous_value, source, timestamp_ms, confidence, inferred, action, reason, date_created) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	now := time.Now()
	for _, e := range entries {
		valueJSON, err := json.Marshal(e.Value)
		if err != nil {
			return err
		}
		prevJSON, err := json.Marshal(e.PreviousValue)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, ins,
			subject, e.Field, string(valueJSON), string(prevJSON), e.Source,
			e.TimestampMS, e.Confidence, e.Inferred, e.Action, e.Reason, now,
		); err != nil {
			return err
		}
	}

	if a.maxHistory > 0 {
		del := a.rebind("DELETE FROM factsheet_history WHERE subject = ? AND id NOT IN (SELECT id FROM factsheet_history WHERE subject = ? ORDER BY id DESC LIMIT ?)")
		if _, err := tx.ExecContext(ctx, del, subject, subject, a.maxHistory); err != nil {
			return err
		}
	}
	return nil
}

// History pages by row id; the cursor is the last row id returned.
func (a *sqlAdapter) History(ctx context.Context, subject string, q HistoryQuery) (*HistoryPage, error) {
	var after int64
	if q.Cursor != "" {
		v, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err != nil {
			return nil, err
		}
		after = v
	}
	limit := historyLimit(q)

	query := "SELECT id, field, value, previous_value, source, timestamp_ms, confidence, inferred, action, reason FROM factsheet_history WHERE subject = ? AND id > ?"
	args := []any{subject, after}
	if q.Field != "" {
		query += " AND field = ?"
		args = append(args, q.Field)
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, a.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &HistoryPage{}
	var lastID int64
	for rows.Next() {
		var (
			id                  int64
			e                   HistoryEntry
			valueJSON, prevJSON string
		)
		if err := rows.Scan(&id, &e.Field, &valueJSON, &prevJSON, &e.Source, &e.TimestampMS, &e.Confidence, &e.Inferred, &e.Action, &e.Reason); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(valueJSON), &e.Value)
		_ = json.Unmarshal([]byte(prevJSON), &e.PreviousValue)
		page.Entries = append(page.Entries, e)
		lastID = id
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Entries) == limit {
		page.NextCursor = strconv.FormatInt(lastID, 10)
	}
	return page, nil
}

func (a *sqlAdapter) Delete(ctx context.Context, subject string) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, a.rebind("DELETE FROM factsheet_history WHERE subject = ?"), subject); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, a.rebind("DELETE FROM factsheet_profile WHERE subject = ?"), subject); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *sqlAdapter) ListSubjects(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, "SELECT subject FROM factsheet_profile ORDER BY subject")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (a *sqlAdapter) HealthCheck(ctx context.Context) error {
	var one int
	return a.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}
