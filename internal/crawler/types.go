package crawler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// JobKind names one of the coordinated job kinds.
type JobKind string

// Supported job kinds.
const (
	JobPull   JobKind = "pull"
	JobUpdate JobKind = "update"
)

// RawPage is the body of one listing page as returned by a Fetcher.
type RawPage struct {
	Number     int
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// RawRecord carries the scraped fields exactly as they appeared on the page.
// JSON tags follow the keys used by the published dataset so bulk files decode
// without a mapping step.
type RawRecord struct {
	Program       string `json:"program"`
	Comments      string `json:"comments"`
	DateAdded     string `json:"date_added"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	DecisionDate  string `json:"decision_date,omitempty"`
	Term          string `json:"term"`
	Citizenship   string `json:"US/International"`
	GRE           string `json:"GRE_SCORE"`
	GREV          string `json:"GRE_V"`
	GREAW         string `json:"GRE_AW"`
	GPA           string `json:"GPA"`
	Degree        string `json:"Degree"`
	LLMProgram    string `json:"llm-generated-program,omitempty"`
	LLMUniversity string `json:"llm-generated-university,omitempty"`
}

// Record is a normalized applicant entry keyed by URL.
type Record struct {
	Program       string   `json:"program"`
	Comments      string   `json:"comments"`
	DateAdded     string   `json:"date_added"`
	URL           string   `json:"url"`
	Status        string   `json:"status"`
	DecisionDate  string   `json:"decision_date,omitempty"`
	Term          string   `json:"term"`
	Citizenship   string   `json:"US/International"`
	GRE           *float64 `json:"GRE_SCORE"`
	GREV          *float64 `json:"GRE_V"`
	GREAW         *float64 `json:"GRE_AW"`
	GPA           *float64 `json:"GPA"`
	Degree        string   `json:"Degree"`
	LLMProgram    string   `json:"llm-generated-program,omitempty"`
	LLMUniversity string   `json:"llm-generated-university,omitempty"`
}

// Raw converts a normalized record back into its scraped form. Normalizing the
// result yields the same record.
func (r Record) Raw() RawRecord {
	return RawRecord{
		Program:       r.Program,
		Comments:      r.Comments,
		DateAdded:     r.DateAdded,
		URL:           r.URL,
		Status:        r.Status,
		DecisionDate:  r.DecisionDate,
		Term:          r.Term,
		Citizenship:   r.Citizenship,
		GRE:           formatFloat(r.GRE),
		GREV:          formatFloat(r.GREV),
		GREAW:         formatFloat(r.GREAW),
		GPA:           formatFloat(r.GPA),
		Degree:        r.Degree,
		LLMProgram:    r.LLMProgram,
		LLMUniversity: r.LLMUniversity,
	}
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// ParseAnomaly describes a table row the parser could not turn into a record.
type ParseAnomaly struct {
	Row    int
	Reason string
}

func (a ParseAnomaly) Error() string {
	return fmt.Sprintf("row %d: %s", a.Row, a.Reason)
}

// Unwrap lets errors.Is match ErrParseAnomaly.
func (a ParseAnomaly) Unwrap() error {
	return ErrParseAnomaly
}

// LoadResult tallies one load call.
type LoadResult struct {
	Inserted      int      `json:"inserted"`
	Duplicates    int      `json:"duplicates"`
	Invalid       int      `json:"invalid"`
	Failed        int      `json:"failed"`
	Batches       int      `json:"batches"`
	FailedBatches int      `json:"failed_batches"`
	NewEntries    []Record `json:"-"`
	Errors        []string `json:"errors,omitempty"`
}

// Skipped counts every offered record that was not inserted.
func (r LoadResult) Skipped() int {
	return r.Duplicates + r.Invalid + r.Failed
}

// Merge folds another result into r.
func (r *LoadResult) Merge(other LoadResult) {
	r.Inserted += other.Inserted
	r.Duplicates += other.Duplicates
	r.Invalid += other.Invalid
	r.Failed += other.Failed
	r.Batches += other.Batches
	r.FailedBatches += other.FailedBatches
	r.NewEntries = append(r.NewEntries, other.NewEntries...)
	r.Errors = append(r.Errors, other.Errors...)
}

// PullResult summarizes a finished pull run.
type PullResult struct {
	StartPage    int
	EndPage      int
	PagesScraped int
	Processed    int
	MissingURLs  int
	Anomalies    int
	FailedPages  []int

	// ParseFailedPages were fetched but their body could not be parsed.
	ParseFailedPages []int
	// StoppedAtMarker is set when the latest stored URL was reached.
	StoppedAtMarker bool
	// StoppedAllKnown is set when a page held only stored entries.
	StoppedAllKnown bool

	Load LoadResult
}

// Summary renders the human-readable completion message shown to pollers.
// Any skip or failure is stated explicitly.
func (r PullResult) Summary() string {
	var b strings.Builder
	if r.PagesScraped > 0 {
		fmt.Fprintf(&b, "Pulled pages %d-%d. ", r.StartPage, r.EndPage)
	} else {
		fmt.Fprintf(&b, "No new pages found starting at page %d. ", r.StartPage)
	}
	fmt.Fprintf(&b, "Added %d new entries; skipped %d duplicates and %d entries without URLs.",
		r.Load.Inserted, r.Load.Duplicates, r.MissingURLs)
	if r.Load.Invalid > 0 {
		fmt.Fprintf(&b, " %d entries failed validation.", r.Load.Invalid)
	}
	if r.Load.Failed > 0 {
		fmt.Fprintf(&b, " %d inserts failed in %d rolled-back batches.", r.Load.Failed, r.Load.FailedBatches)
	}
	if r.Anomalies > 0 {
		fmt.Fprintf(&b, " %d malformed rows dropped.", r.Anomalies)
	}
	if len(r.FailedPages) > 0 {
		fmt.Fprintf(&b, " Failed to fetch pages %s.", joinInts(r.FailedPages))
	}
	if len(r.ParseFailedPages) > 0 {
		fmt.Fprintf(&b, " Failed to parse pages %s.", joinInts(r.ParseFailedPages))
	}
	return b.String()
}

// Complete reports whether every visited page was fetched, parsed and
// committed. Only complete runs may advance the ingestion watermark; record
// level rejects do not count against it.
func (r PullResult) Complete() bool {
	return len(r.FailedPages) == 0 && len(r.ParseFailedPages) == 0 && r.Load.FailedBatches == 0
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}

// PullStatus is the snapshot returned to status pollers.
type PullStatus struct {
	InProgress      bool       `json:"in_progress"`
	Message         string     `json:"message"`
	RunID           string     `json:"run_id,omitempty"`
	PagesScraped    int        `json:"pages_scraped"`
	RecordsInserted int        `json:"records_inserted"`
	Processed       int        `json:"processed"`
	Duplicates      int        `json:"duplicates"`
	MissingURLs     int        `json:"missing_urls"`
	Invalid         int        `json:"invalid"`
	Errors          int        `json:"errors"`
	CurrentPage     int        `json:"current_page,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// UpdateStatus is the snapshot for the analytics refresh job.
type UpdateStatus struct {
	InProgress bool       `json:"in_progress"`
	Message    string     `json:"message"`
	LastError  string     `json:"last_error,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PageReport is emitted by the pipeline after each listing page is handled.
type PageReport struct {
	Page        int
	StatusCode  int
	Bytes       int
	Duration    time.Duration
	Processed   int
	MissingURLs int
	Anomalies   int
	Load        LoadResult
	FetchFailed bool
}

// QueueItem wraps a job ready to run on a lane.
type QueueItem struct {
	Kind      JobKind
	RunID     string
	Submitted time.Time
}
