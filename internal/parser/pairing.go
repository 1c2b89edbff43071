package parser

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
)

type pairState int

const (
	awaitingPrimary pairState = iota
	awaitingSecondary
)

// rowPairer folds primary rows and their detail rows into records:
// AwaitingPrimary -> AwaitingSecondary -> Emit. A record is emitted when the
// next primary row arrives or the input ends, so a dangling final primary row
// becomes a record with empty detail.
type rowPairer struct {
	state     pairState
	pending   crawler.RawRecord
	records   []crawler.RawRecord
	anomalies []crawler.ParseAnomaly
}

func (m *rowPairer) primary(rec crawler.RawRecord) {
	if m.state == awaitingSecondary {
		m.emit()
	}
	m.pending = rec
	m.state = awaitingSecondary
}

func (m *rowPairer) detail(index int, row *goquery.Selection) {
	if m.state != awaitingSecondary {
		m.anomaly(index, "detail row without primary row")
		return
	}
	applyDetail(&m.pending, row)
}

func (m *rowPairer) anomaly(index int, reason string) {
	m.anomalies = append(m.anomalies, crawler.ParseAnomaly{Row: index, Reason: reason})
}

func (m *rowPairer) finish() {
	if m.state == awaitingSecondary {
		m.emit()
	}
}

func (m *rowPairer) emit() {
	m.records = append(m.records, m.pending)
	m.pending = crawler.RawRecord{}
	m.state = awaitingPrimary
}
