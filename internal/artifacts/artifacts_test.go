package artifacts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
	"github.com/JakeFAU/gradcafe-crawler/internal/storage/memory"
)

func TestWriteLastPageOverwrites(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	w := NewWriter(blobs)
	ctx := context.Background()
	at := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	_, err := w.WriteLastPage(ctx, LastPage{Page: 1, RunID: "run-1", CompletedAt: at})
	require.NoError(t, err)
	uri, err := w.WriteLastPage(ctx, LastPage{Page: 2, RunID: "run-1", Inserted: 20, CompletedAt: at})
	require.NoError(t, err)
	require.Equal(t, "memory://last_page.json", uri)

	raw, ok := blobs.Get(LastPageName)
	require.True(t, ok)
	var got LastPage
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, 2, got.Page)
	require.Equal(t, 20, got.Inserted)
}

func TestWriteNewDataUsesDatasetKeys(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	w := NewWriter(blobs)
	gpa := 3.8
	_, err := w.WriteNewData(context.Background(), []crawler.Record{{
		URL:         "https://www.thegradcafe.com/result/1",
		Program:     "Physics, MIT",
		Citizenship: "International",
		GPA:         &gpa,
	}})
	require.NoError(t, err)

	raw, ok := blobs.Get(NewDataName)
	require.True(t, ok)
	var got []map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got, 1)
	require.Equal(t, "International", got[0]["US/International"])
	require.InDelta(t, 3.8, got[0]["GPA"], 1e-9)
}

func TestWriteNewDataEmptyRun(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	_, err := NewWriter(blobs).WriteNewData(context.Background(), nil)
	require.NoError(t, err)
	raw, _ := blobs.Get(NewDataName)
	require.JSONEq(t, `[]`, string(raw))
}

func TestNilStoreIsNoop(t *testing.T) {
	t.Parallel()

	uri, err := NewWriter(nil).WriteLastPage(context.Background(), LastPage{Page: 1})
	require.NoError(t, err)
	require.Empty(t, uri)
}
