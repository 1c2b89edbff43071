// Package normalize turns scraped field strings into typed applicant records.
// Every function here is total and idempotent.
package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
)

// DateSentinel replaces any date_added value that cannot be parsed.
const DateSentinel = "1970-01-01"

const isoDate = "2006-01-02"

var (
	tagPattern        = regexp.MustCompile(`<[^<>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)

	dateLayouts = []string{
		"January 2, 2006",
		"Jan 2, 2006",
		"January 2 2006",
		"2 January 2006",
		isoDate,
	}

	placeholders = map[string]struct{}{
		"n/a":  {},
		"na":   {},
		"none": {},
		"null": {},
		"-":    {},
		"--":   {},
		"—":    {},
		"–":    {},
	}
)

// Text strips markup, collapses whitespace, and blanks placeholder tokens.
func Text(s string) string {
	for {
		stripped := tagPattern.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
	if _, ok := placeholders[strings.ToLower(s)]; ok {
		return ""
	}
	return s
}

// Float parses a cleaned numeric field; empty or unparseable input yields nil.
func Float(s string) *float64 {
	s = Text(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Date converts "Month DD, YYYY" to "YYYY-MM-DD". ISO input passes through;
// anything else becomes DateSentinel.
func Date(s string) string {
	s = Text(s)
	if s == "" {
		return DateSentinel
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(isoDate)
		}
	}
	return DateSentinel
}

// Normalize cleans one raw record. A record without a URL is rejected with
// crawler.ErrMissingURL.
func Normalize(raw crawler.RawRecord) (crawler.Record, error) {
	rec := crawler.Record{
		Program:       Text(raw.Program),
		Comments:      Text(raw.Comments),
		DateAdded:     Date(raw.DateAdded),
		URL:           Text(raw.URL),
		Status:        Text(raw.Status),
		DecisionDate:  Text(raw.DecisionDate),
		Term:          Text(raw.Term),
		Citizenship:   Text(raw.Citizenship),
		GRE:           Float(raw.GRE),
		GREV:          Float(raw.GREV),
		GREAW:         Float(raw.GREAW),
		GPA:           Float(raw.GPA),
		Degree:        Text(raw.Degree),
		LLMProgram:    Text(raw.LLMProgram),
		LLMUniversity: Text(raw.LLMUniversity),
	}
	if rec.URL == "" {
		return crawler.Record{}, fmt.Errorf("normalize %q: %w", rec.Program, crawler.ErrMissingURL)
	}
	return rec, nil
}

// All normalizes raws in order, dropping rejected records. It returns the
// accepted records and how many were rejected for a missing URL.
func All(raws []crawler.RawRecord, logger *zap.Logger) ([]crawler.Record, int) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]crawler.Record, 0, len(raws))
	missing := 0
	for _, raw := range raws {
		rec, err := Normalize(raw)
		if err != nil {
			missing++
			logger.Debug("record rejected", zap.String("program", raw.Program), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, missing
}
