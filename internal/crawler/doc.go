// Package crawler holds the domain types, interfaces, error taxonomy, and the
// fetch-side policies (robots and retry) shared by the GradCafe ingestion
// pipeline, the job coordinator, and the storage backends.
package crawler
