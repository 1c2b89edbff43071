// Package store defines interfaces for persistence dependencies that sit
// outside the applicant pipeline (persisted job status). Implementations live
// in other packages; this package must not import database drivers or
// concrete clients.
package store
