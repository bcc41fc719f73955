package erp

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecords() []Record {
	return []Record{
		{
			BookingID:   "bk-a1",
			Client:      "hep",
			DocType:     "invoice_scan",
			Amount:      "1250.00",
			Description: "struja veljača",
			BookingDate: "2026-02-15",
			Approver:    "ana",
			Lines: []Line{
				{Konto: "7200", Side: "duguje", Amount: "1000.00"},
				{Konto: "1405", Side: "duguje", Amount: "250.00"},
				{Konto: "2200", Side: "potrazuje", Amount: "1250.00"},
			},
		},
		{
			BookingID:   "bk-a2",
			Client:      "hep",
			Amount:      "400.00",
			BookingDate: "2026-02-15",
			Lines: []Line{
				{Konto: "4100", Side: "duguje", Amount: "400.00"},
				{Konto: "2200", Side: "potrazuje", Amount: "400.00"},
			},
		},
	}
}

func TestEmitJSONDeterministicFilename(t *testing.T) {
	dir := t.TempDir()
	e := &FileEmitter{Dir: dir}

	res, err := e.Emit(context.Background(), sampleRecords(), "hep", "CPP", "json")
	require.NoError(t, err)
	assert.Equal(t, StatusExported, res.Status)
	assert.Equal(t, 2, res.Records)
	assert.Equal(t, "hep_cpp_bk-a1-bk-a2.json", res.Filename)

	var got []Record
	raw, err := os.ReadFile(res.FilePath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "bk-a1", got[0].BookingID)
	require.Len(t, got[0].Lines, 3)

	// Re-emitting the same set rewrites the same file.
	again, err := e.Emit(context.Background(), sampleRecords(), "hep", "CPP", "json")
	require.NoError(t, err)
	assert.Equal(t, res.FilePath, again.FilePath)
}

func TestEmitCSVOneRowPerLine(t *testing.T) {
	dir := t.TempDir()
	e := &FileEmitter{Dir: dir}

	res, err := e.Emit(context.Background(), sampleRecords(), "hep", "synesis", "csv")
	require.NoError(t, err)
	assert.Equal(t, StatusExported, res.Status)

	f, err := os.Open(res.FilePath)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 6, "header plus one row per booking line")
	assert.Equal(t, []string{"booking_id", "client", "booking_date", "konto", "side", "amount", "description"}, rows[0])
	assert.Equal(t, "bk-a1", rows[1][0])
	assert.Equal(t, "7200", rows[1][3])
}

func TestEmitRejectsUnknownFormat(t *testing.T) {
	e := &FileEmitter{Dir: t.TempDir()}
	res, err := e.Emit(context.Background(), sampleRecords(), "hep", "cpp", "xml")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "xml")
}

func TestEmitEmptySet(t *testing.T) {
	e := &FileEmitter{Dir: t.TempDir()}
	res, err := e.Emit(context.Background(), nil, "hep", "cpp", "json")
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, res.Status)
}

func TestFilenameSanitized(t *testing.T) {
	e := &FileEmitter{Dir: t.TempDir()}
	res, err := e.Emit(context.Background(), sampleRecords(), "h/e p d.o.o.", "cpp", "json")
	require.NoError(t, err)
	assert.Equal(t, StatusExported, res.Status)
	assert.NotContains(t, res.Filename, "/")
	assert.NotContains(t, res.Filename, " ")
	_, err = os.Stat(filepath.Join(e.Dir, res.Filename))
	assert.NoError(t, err)
}
