// Package bulk decodes JSONL applicant exports for offline loads.
package bulk

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
)

const maxLineBytes = 4 << 20

// Result is what Read recovered from a file.
type Result struct {
	Records        []crawler.RawRecord
	Lines          int
	Errors         int
	FirstErrorLine int
	FirstError     string
}

// Read decodes one record per non-blank line. The input may be UTF-8, UTF-8
// with a byte order mark, or UTF-16 with a byte order mark. Lines that do not
// decode are counted and skipped; only the first failure is kept verbatim.
func Read(r io.Reader) (Result, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	scanner := bufio.NewScanner(decoded)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var res Result
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		res.Lines++
		var row line
		if err := json.Unmarshal(text, &row); err != nil {
			res.Errors++
			if res.FirstErrorLine == 0 {
				res.FirstErrorLine = lineNum
				res.FirstError = err.Error()
			}
			continue
		}
		res.Records = append(res.Records, row.raw())
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read line %d: %w", lineNum+1, err)
	}
	return res, nil
}

// line mirrors crawler.RawRecord but tolerates numeric score fields, which
// some exports write as JSON numbers.
type line struct {
	Program       string     `json:"program"`
	Comments      string     `json:"comments"`
	DateAdded     string     `json:"date_added"`
	URL           string     `json:"url"`
	Status        string     `json:"status"`
	DecisionDate  string     `json:"decision_date"`
	Term          string     `json:"term"`
	Citizenship   string     `json:"US/International"`
	GRE           flexString `json:"GRE_SCORE"`
	GREV          flexString `json:"GRE_V"`
	GREAW         flexString `json:"GRE_AW"`
	GPA           flexString `json:"GPA"`
	Degree        string     `json:"Degree"`
	LLMProgram    string     `json:"llm-generated-program"`
	LLMUniversity string     `json:"llm-generated-university"`
}

func (l line) raw() crawler.RawRecord {
	return crawler.RawRecord{
		Program:       l.Program,
		Comments:      l.Comments,
		DateAdded:     l.DateAdded,
		URL:           l.URL,
		Status:        l.Status,
		DecisionDate:  l.DecisionDate,
		Term:          l.Term,
		Citizenship:   l.Citizenship,
		GRE:           string(l.GRE),
		GREV:          string(l.GREV),
		GREAW:         string(l.GREAW),
		GPA:           string(l.GPA),
		Degree:        l.Degree,
		LLMProgram:    l.LLMProgram,
		LLMUniversity: l.LLMUniversity,
	}
}

// flexString accepts a JSON string, number, or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	default:
		n, err := strconv.ParseFloat(string(b), 64)
		if err != nil {
			return fmt.Errorf("score %s is neither string nor number", b)
		}
		*f = flexString(strconv.FormatFloat(n, 'f', -1, 64))
		return nil
	}
}
