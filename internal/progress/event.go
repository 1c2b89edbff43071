// Package progress defines the event structures emitted by pull and update jobs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart Stage = "JOB_START"
	StagePageDone Stage = "PAGE_DONE"
	StageJobDone  Stage = "JOB_DONE"
	StageJobError Stage = "JOB_ERROR"
)

// Lifecycle reports whether s marks a job starting or ending.
func (s Stage) Lifecycle() bool {
	return s == StageJobStart || s.Terminal()
}

// Terminal reports whether s ends a job.
func (s Stage) Terminal() bool {
	return s == StageJobDone || s == StageJobError
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of a job run.
type Event struct {
	// JobID uniquely identifies a run using the 16-byte UUID form.
	JobID [16]byte
	// Kind is the job kind ("pull" or "update").
	Kind string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// Page is the survey page number for PAGE_DONE events.
	Page int
	// StatusClass groups the page's final HTTP response code.
	StatusClass StatusClass
	// Bytes is the page body size.
	Bytes int64
	// Processed counts records parsed from the page.
	Processed int64
	// Inserted counts records committed from the page.
	Inserted int64
	// Duplicates counts records skipped as already known.
	Duplicates int64
	// Invalid counts records that failed validation or lacked a URL.
	Invalid int64
	// Failed counts records lost to rolled-back batches.
	Failed int64
	// Dur captures page fetch latency or total job runtime.
	Dur time.Duration
	// Note carries the status message or error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Kind == "" {
		return errors.New("job kind is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
	case StagePageDone:
		if e.Page <= 0 {
			return errors.New("page done requires page number")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID converts the binary job ID to uuid.UUID.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseJobID converts a run identifier string into the Event form. Strings that
// are not UUIDs are hashed into a stable name-based UUID.
func ParseJobID(runID string) [16]byte {
	id, err := uuid.Parse(runID)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(runID))
	}
	return UUIDToBytes(id)
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
