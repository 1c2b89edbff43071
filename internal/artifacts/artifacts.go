// Package artifacts writes the advisory side files of a pull run:
// last_page.json and new_data.json. Nothing in the service reads them back.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
)

// Artifact names.
const (
	LastPageName = "last_page.json"
	NewDataName  = "new_data.json"
)

const contentTypeJSON = "application/json"

// LastPage records the last listing page whose batches all committed.
type LastPage struct {
	Page        int       `json:"page"`
	RunID       string    `json:"run_id"`
	Inserted    int       `json:"inserted"`
	CompletedAt time.Time `json:"completed_at"`
}

// Writer serializes artifacts into a crawler.BlobStore.
type Writer struct {
	blobs crawler.BlobStore
}

// NewWriter constructs a Writer. A nil store makes every write a no-op.
func NewWriter(blobs crawler.BlobStore) *Writer {
	return &Writer{blobs: blobs}
}

// WriteLastPage overwrites last_page.json.
func (w *Writer) WriteLastPage(ctx context.Context, lp LastPage) (string, error) {
	return w.put(ctx, LastPageName, lp)
}

// WriteNewData overwrites new_data.json with the entries inserted by a run.
// An empty run writes an empty array.
func (w *Writer) WriteNewData(ctx context.Context, entries []crawler.Record) (string, error) {
	if entries == nil {
		entries = []crawler.Record{}
	}
	return w.put(ctx, NewDataName, entries)
}

func (w *Writer) put(ctx context.Context, name string, v any) (string, error) {
	if w == nil || w.blobs == nil {
		return "", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	uri, err := w.blobs.PutObject(ctx, name, contentTypeJSON, &buf)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return uri, nil
}
