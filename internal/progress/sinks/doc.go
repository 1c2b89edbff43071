// Package sinks holds the progress consumers wired into the hub: a zap log
// sink, Prometheus collectors for pages and jobs, and a store sink that keeps
// the job_status table in step with each pull and update.
package sinks
