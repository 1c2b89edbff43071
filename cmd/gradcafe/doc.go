// Package main hosts the gradcafe service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes POST /pull-data, POST /update-analysis, GET /pull-status and
//     GET /update-status plus /healthz, /readyz and /metrics. Busy jobs are rejected with 409 before any work starts.
//   - Coordinator: internal/coordinator admits at most one pull and one analysis refresh. Admitted jobs go onto a
//     one-slot lane per job kind (internal/dispatcher) served by a single worker, so jobs of one kind never overlap.
//     Status snapshots are published atomically and read without locks.
//   - Pull pipeline: internal/pipeline checks robots.txt once, walks survey pages through the colly fetcher (retrying
//     5xx with backoff, stopping on 4xx), pairs rows with the goquery parser, normalizes, cuts at the stored
//     watermark and loads in batches of 100, one transaction each.
//   - Persistence & fanout: applicants live in Postgres (pgx) or memory. last_page.json and new_data.json go to the
//     configured BlobStore (memory/local/GCS), and a completion message is published when a Pub/Sub topic is set.
//     Progress events are batched by a Hub into log, Prometheus and job_status sinks.
//
// Quick checklist:
//   - Configure env vars: GRADCAFE_SERVER_PORT, DATABASE_URL or GRADCAFE_DB_DSN, GRADCAFE_SCRAPER_MAX_PAGES,
//     GRADCAFE_ARTIFACTS_BACKEND, GRADCAFE_PUBSUB_PROJECT_ID/TOPIC_NAME. A .env file is read when present.
//   - Run locally: go run ./cmd/gradcafe serve --config config.yaml
//   - One-off work: gradcafe pull, gradcafe load --file applicant_data.jsonl
package main
