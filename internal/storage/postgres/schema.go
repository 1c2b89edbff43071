package postgres

import (
	"context"
	"fmt"
)

// summaryView is the analytics view refreshed by the update job.
const summaryView = "applicant_status_summary"

// schemaStatements creates the applicant table and its supporting objects.
// %[1]s is the applicant table name.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS %[1]s (
	p_id SERIAL PRIMARY KEY,
	program TEXT,
	comments TEXT,
	date_added DATE,
	url TEXT,
	status TEXT,
	term TEXT,
	us_or_international TEXT,
	gpa FLOAT,
	gre FLOAT,
	gre_v FLOAT,
	gre_aw FLOAT,
	degree TEXT,
	llm_generated_program TEXT,
	llm_generated_university TEXT
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_url_unique_idx ON %[1]s (url)`,
	`CREATE TABLE IF NOT EXISTS ingestion_watermarks (
	source TEXT PRIMARY KEY,
	last_seen TEXT,
	updated_at TIMESTAMPTZ DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS job_status (
	job_name TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	message TEXT NOT NULL,
	progress_json TEXT NOT NULL,
	updated_at TIMESTAMPTZ DEFAULT now()
)`,
	`CREATE MATERIALIZED VIEW IF NOT EXISTS ` + summaryView + ` AS
SELECT term, status, COUNT(*) AS total
FROM %[1]s
GROUP BY term, status`,
}

// EnsureSchema creates the tables, unique URL index, and analytics view if
// they are missing. It is safe to run on every start.
func EnsureSchema(ctx context.Context, pool Pool, table string) error {
	name, err := tableName(table, defaultApplicantTable)
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, fmt.Sprintf(stmt, name)); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
