// Package parser extracts raw applicant records from a GradCafe survey page.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
)

// DefaultSiteURL resolves relative result links.
const DefaultSiteURL = "https://www.thegradcafe.com"

const (
	detailRowClass  = "tw-border-none"
	primaryMinCells = 4
)

var (
	statusPattern      = regexp.MustCompile(`(?i)\b(accepted|rejected|wait\s*listed|interview)\b(?:\s+on\s+(.+))?`)
	termPattern        = regexp.MustCompile(`(Fall|Spring|Summer|Winter)\s+\d{4}`)
	gpaPattern         = regexp.MustCompile(`GPA\s*:?\s*([\d.]+)`)
	greTotalPattern    = regexp.MustCompile(`GRE\s*:?\s*(\d{3})`)
	greVerbalPattern   = regexp.MustCompile(`V\s*:?\s*(\d{2,3})`)
	greWritingPattern  = regexp.MustCompile(`AW\s*:?\s*([\d.]+)`)
	canonicalStatusMap = map[string]string{
		"accepted":   "Accepted",
		"rejected":   "Rejected",
		"waitlisted": "Wait listed",
		"interview":  "Interview",
	}
)

// Parser turns survey HTML into raw records.
type Parser struct {
	site *url.URL
}

// New builds a Parser resolving result links against siteURL.
func New(siteURL string) (*Parser, error) {
	if strings.TrimSpace(siteURL) == "" {
		siteURL = DefaultSiteURL
	}
	site, err := url.Parse(siteURL)
	if err != nil {
		return nil, fmt.Errorf("parse site url: %w", err)
	}
	if site.Scheme == "" || site.Host == "" {
		return nil, fmt.Errorf("site url %q must be absolute", siteURL)
	}
	return &Parser{site: site}, nil
}

// Parse returns the page's records in document order plus any dropped rows.
// A page without a results table yields no records and no error.
func (p *Parser) Parse(body []byte) ([]crawler.RawRecord, []crawler.ParseAnomaly, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}
	tbody := doc.Find("tbody").First()
	if tbody.Length() == 0 {
		return nil, nil, nil
	}

	pairer := &rowPairer{}
	tbody.ChildrenFiltered("tr").Each(func(i int, row *goquery.Selection) {
		if row.HasClass(detailRowClass) {
			pairer.detail(i, row)
			return
		}
		cells := row.ChildrenFiltered("td")
		if cells.Length() < primaryMinCells {
			pairer.anomaly(i, fmt.Sprintf("primary row has %d cells, want at least %d", cells.Length(), primaryMinCells))
			return
		}
		pairer.primary(p.primaryRecord(row, cells))
	})
	pairer.finish()
	return pairer.records, pairer.anomalies, nil
}

func (p *Parser) primaryRecord(row, cells *goquery.Selection) crawler.RawRecord {
	university := strings.TrimSpace(cells.Eq(0).Text())
	spans := cells.Eq(1).Find("span")
	programName := strings.TrimSpace(spans.Eq(0).Text())
	degree := ""
	if spans.Length() > 1 {
		degree = strings.TrimSpace(spans.Eq(1).Text())
	}
	status, decisionDate := parseStatus(spacedText(cells.Eq(3)))

	return crawler.RawRecord{
		Program:      joinProgram(programName, university),
		DateAdded:    strings.TrimSpace(cells.Eq(2).Text()),
		URL:          p.resultURL(row),
		Status:       status,
		DecisionDate: decisionDate,
		Degree:       degree,
	}
}

// joinProgram formats "<program>, <university>", leaving out empty parts so a
// row with neither stays empty and fails validation.
func joinProgram(program, university string) string {
	switch {
	case program == "":
		return university
	case university == "":
		return program
	default:
		return program + ", " + university
	}
}

func (p *Parser) resultURL(row *goquery.Selection) string {
	href, ok := row.Find(`a[href*="/result/"]`).First().Attr("href")
	if !ok {
		return ""
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return p.site.ResolveReference(ref).String()
}

func parseStatus(text string) (string, string) {
	m := statusPattern.FindStringSubmatch(text)
	if m == nil {
		return "", ""
	}
	key := strings.ToLower(strings.Join(strings.Fields(m[1]), ""))
	return canonicalStatusMap[key], strings.TrimSpace(m[2])
}

// applyDetail folds one secondary row into rec. Later rows override earlier ones.
func applyDetail(rec *crawler.RawRecord, row *goquery.Selection) {
	if p := row.Find("p").First(); p.Length() > 0 {
		rec.Comments = strings.TrimSpace(p.Text())
	}
	text := spacedText(row)
	if m := termPattern.FindString(text); m != "" {
		rec.Term = m
	}
	switch {
	case strings.Contains(text, "American"):
		rec.Citizenship = "American"
	case strings.Contains(text, "International"):
		rec.Citizenship = "International"
	}
	if m := gpaPattern.FindStringSubmatch(text); m != nil {
		rec.GPA = m[1]
	}
	if m := greTotalPattern.FindStringSubmatch(text); m != nil {
		rec.GRE = m[1]
	}
	if m := greVerbalPattern.FindStringSubmatch(text); m != nil {
		rec.GREV = m[1]
	}
	if m := greWritingPattern.FindStringSubmatch(text); m != nil {
		rec.GREAW = m[1]
	}
}

// spacedText joins every descendant text node with single spaces, so adjacent
// badges do not run together.
func spacedText(sel *goquery.Selection) string {
	var parts []string
	for _, n := range sel.Nodes {
		collectText(n, &parts)
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

func collectText(n *html.Node, parts *[]string) {
	if n.Type == html.TextNode {
		*parts = append(*parts, n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, parts)
	}
}
