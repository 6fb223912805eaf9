package storage

var sqliteMigrations = map[int][]string{
	1: {
		`CREATE TABLE IF NOT EXISTS factsheet_schema_version (
			num INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS factsheet_profile (
			subject TEXT PRIMARY KEY,
			profile TEXT NOT NULL,
			provenance TEXT NOT NULL,
			version INTEGER NOT NULL,
			date_updated TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS factsheet_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subject TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT,
			previous_value TEXT,
			source TEXT,
			timestamp_ms INTEGER,
			confidence REAL,
			inferred INTEGER,
			action TEXT,
			reason TEXT,
			date_created TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_factsheet_history_subject ON factsheet_history (subject, id)`,
		`CREATE INDEX IF NOT EXISTS idx_factsheet_history_field ON factsheet_history (subject, field, id)`,
	},
}

var postgresMigrations = map[int][]string{
	1: {
		`CREATE TABLE IF NOT EXISTS factsheet_schema_version (
			num INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS factsheet_profile (
			subject TEXT PRIMARY KEY,
			profile TEXT NOT NULL,
			provenance TEXT NOT NULL,
			version BIGINT NOT NULL,
			date_updated TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS factsheet_history (
			id BIGSERIAL PRIMARY KEY,
			subject TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT,
			previous_value TEXT,
			source TEXT,
			timestamp_ms BIGINT,
			confidence DOUBLE PRECISION,
			inferred BOOLEAN,
			action TEXT,
			reason TEXT,
			date_created TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_factsheet_history_subject ON factsheet_history (subject, id)`,
		`CREATE INDEX IF NOT EXISTS idx_factsheet_history_field ON factsheet_history (subject, field, id)`,
	},
}
