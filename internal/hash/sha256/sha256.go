// Package sha256 digests listing pages so the pipeline can tell when the site
// serves the same page again.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

var (
	tbodyOpen  = []byte("<tbody")
	tbodyClose = []byte("</tbody>")
)

// Hasher implements crawler.Hasher. It digests only the results table when
// one is present, so rotating page chrome (ads, tokens, timestamps) does not
// make an identical listing look new. Runs of whitespace count as one space.
type Hasher struct{}

// New returns a listing-page hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex SHA-256 of the page's results region.
func (h *Hasher) Hash(data []byte) (string, error) {
	region := resultsRegion(data)
	sum := sha256.Sum256(bytes.Join(bytes.Fields(region), []byte{' '}))
	return hex.EncodeToString(sum[:]), nil
}

func resultsRegion(data []byte) []byte {
	start := bytes.Index(data, tbodyOpen)
	if start < 0 {
		return data
	}
	end := bytes.Index(data[start:], tbodyClose)
	if end < 0 {
		return data[start:]
	}
	return data[start : start+end+len(tbodyClose)]
}
