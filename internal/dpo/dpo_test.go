package dpo

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxlight/backend/internal/store"
)

func TestBuildPairsFromCorrection(t *testing.T) {
	pairs := BuildPairs([]*store.Correction{{
		BookingID:      "bk-1",
		User:           "ana",
		Client:         "hep",
		OriginalKonto:  "7800",
		CorrectedKonto: "7200",
		DocType:        "invoice_scan",
		Supplier:       "HEP-Opskrba d.o.o.",
		Description:    "električna energija veljača",
		CreatedAt:      "2026-02-15T10:00:00Z",
	}})

	require.Len(t, pairs, 1)
	p := pairs[0]
	assert.Contains(t, p.Prompt, "električna energija veljača")
	assert.Contains(t, p.Prompt, "HEP-Opskrba")
	assert.Contains(t, p.Chosen, "7200")
	assert.Contains(t, p.Rejected, "7800")
	assert.Equal(t, "ana", p.Metadata.UserID)
	assert.Equal(t, "konto_change", p.Metadata.CorrectionType)
	assert.NotEmpty(t, p.Metadata.PairID)
}

func TestBuildPairsDeduplicates(t *testing.T) {
	c := &store.Correction{
		OriginalKonto:  "7800",
		CorrectedKonto: "7200",
		DocType:        "invoice_scan",
		Description:    "isti opis",
	}
	pairs := BuildPairs([]*store.Correction{c, c, c})
	assert.Len(t, pairs, 1)

	other := &store.Correction{
		OriginalKonto:  "7800",
		CorrectedKonto: "7300",
		DocType:        "invoice_scan",
		Description:    "isti opis",
	}
	pairs = BuildPairs([]*store.Correction{c, other})
	assert.Len(t, pairs, 2, "different chosen konto is a distinct pair")
}

func TestExportDailyWritesJSONL(t *testing.T) {
	st, err := store.Open(t.TempDir()+"/dpo.db", 4, 1000)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.InsertCorrection(ctx, &store.Correction{
		BookingID:      "bk-1",
		User:           "ana",
		OriginalKonto:  "7800",
		CorrectedKonto: "7200",
		DocType:        "invoice_scan",
		Description:    "struja",
	}))

	dir := t.TempDir()
	b := NewBuilder(st, dir)
	res, err := b.ExportDaily(ctx, time.Now())
	require.NoError(t, err)
	require.True(t, res.Exported)
	assert.Equal(t, 1, res.Pairs)
	assert.False(t, res.Ready, "below the training threshold")

	f, err := os.Open(res.Path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var p Pair
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &p))
	assert.Contains(t, p.Chosen, "7200")
	assert.Contains(t, p.Rejected, "7800")
	assert.False(t, scanner.Scan(), "exactly one row")
}

func TestExportDailyEmptyDay(t *testing.T) {
	st, err := store.Open(t.TempDir()+"/dpo.db", 4, 1000)
	require.NoError(t, err)
	defer st.Close()

	b := NewBuilder(st, t.TempDir())
	res, err := b.ExportDaily(context.Background(), time.Now())
	require.NoError(t, err)
	assert.False(t, res.Exported)
	assert.Zero(t, res.Pairs)
}
