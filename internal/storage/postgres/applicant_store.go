package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
)

const (
	defaultApplicantTable = "applicants"
	// watermarkSource keys the ingestion_watermarks row for the survey feed.
	watermarkSource = "gradcafe_survey"
	knownURLPage    = 5000
)

// ApplicantStore reads and writes the applicants table.
type ApplicantStore struct {
	pool  Pool
	table string
}

// NewApplicantStore connects to Postgres and returns a store for cfg.Table.
func NewApplicantStore(ctx context.Context, cfg Config) (*ApplicantStore, error) {
	if _, err := tableName(cfg.Table, defaultApplicantTable); err != nil {
		return nil, err
	}
	pool, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewApplicantStoreWithPool(pool, cfg.Table)
}

// NewApplicantStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewApplicantStoreWithPool(pool Pool, table string) (*ApplicantStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, defaultApplicantTable)
	if err != nil {
		return nil, err
	}
	return &ApplicantStore{pool: pool, table: name}, nil
}

// Pool exposes the underlying pool so sibling stores can share it.
func (s *ApplicantStore) Pool() Pool {
	return s.pool
}

// Table returns the applicant table name.
func (s *ApplicantStore) Table() string {
	return s.table
}

// Close releases the underlying pool resources.
func (s *ApplicantStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness probes.
func (s *ApplicantStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// KnownURLs pages through every stored URL in insertion order.
func (s *ApplicantStore) KnownURLs(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`
SELECT p_id, url FROM %s
WHERE url IS NOT NULL AND p_id > $1
ORDER BY p_id
LIMIT $2`, s.table)

	var (
		urls   []string
		lastID int64
	)
	for {
		rows, err := s.pool.Query(ctx, query, lastID, knownURLPage)
		if err != nil {
			return nil, fmt.Errorf("list known urls: %w", err)
		}
		n := 0
		for rows.Next() {
			var url string
			if err := rows.Scan(&lastID, &url); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan known url: %w", err)
			}
			urls = append(urls, url)
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("list known urls: %w", err)
		}
		if n < knownURLPage {
			return urls, nil
		}
	}
}

// LatestURL returns the recorded watermark, falling back to the URL of the
// newest row by date_added. It returns "" for an empty table.
func (s *ApplicantStore) LatestURL(ctx context.Context) (string, error) {
	var lastSeen *string
	err := s.pool.QueryRow(ctx,
		`SELECT last_seen FROM ingestion_watermarks WHERE source = $1`,
		watermarkSource,
	).Scan(&lastSeen)
	switch {
	case err == nil && lastSeen != nil && *lastSeen != "":
		return *lastSeen, nil
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return "", fmt.Errorf("read watermark: %w", err)
	}

	var url string
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT url FROM %s
WHERE url IS NOT NULL
ORDER BY date_added DESC NULLS LAST, p_id DESC
LIMIT 1`, s.table)).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read latest url: %w", err)
	}
	return url, nil
}

// SetLatestURL upserts the survey watermark.
func (s *ApplicantStore) SetLatestURL(ctx context.Context, url string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO ingestion_watermarks (source, last_seen, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (source)
DO UPDATE SET last_seen = EXCLUDED.last_seen, updated_at = now()`,
		watermarkSource, url)
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

// InsertBatch writes records in a single transaction. Rows whose URL already
// exists are skipped via ON CONFLICT. Any statement error rolls back the
// whole batch.
func (s *ApplicantStore) InsertBatch(ctx context.Context, records []crawler.Record) ([]crawler.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	program,
	comments,
	date_added,
	url,
	status,
	term,
	us_or_international,
	gpa,
	gre,
	gre_v,
	gre_aw,
	degree,
	llm_generated_program,
	llm_generated_university
) VALUES (
	$1,$2,$3::date,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
ON CONFLICT (url) DO NOTHING`, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w: %w", crawler.ErrStoreFailure, err)
	}
	inserted := make([]crawler.Record, 0, len(records))
	for _, rec := range records {
		tag, err := tx.Exec(ctx, query, rowArgs(rec)...)
		if err != nil {
			rollback(ctx, tx)
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("insert %s: %w: %w", rec.URL, crawler.ErrStoreConflict, err)
			}
			return nil, fmt.Errorf("insert %s: %w: %w", rec.URL, crawler.ErrStoreFailure, err)
		}
		if tag.RowsAffected() == 1 {
			inserted = append(inserted, rec)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch: %w: %w", crawler.ErrStoreFailure, err)
	}
	return inserted, nil
}

// RefreshAnalytics recomputes the status summary view.
func (s *ApplicantStore) RefreshAnalytics(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "REFRESH MATERIALIZED VIEW "+summaryView); err != nil {
		return fmt.Errorf("refresh analytics: %w", err)
	}
	return nil
}

func rowArgs(rec crawler.Record) []any {
	return []any{
		nullable(rec.Program),
		nullable(rec.Comments),
		nullable(rec.DateAdded),
		rec.URL,
		nullable(rec.Status),
		nullable(rec.Term),
		nullable(rec.Citizenship),
		rec.GPA,
		rec.GRE,
		rec.GREV,
		rec.GREAW,
		nullable(rec.Degree),
		nullable(rec.LLMProgram),
		nullable(rec.LLMUniversity),
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rollback(ctx context.Context, tx pgx.Tx) {
	// The caller reports the statement error; rollback errors are dropped.
	_ = tx.Rollback(ctx)
}
