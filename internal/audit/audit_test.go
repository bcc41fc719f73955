package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxlight/backend/internal/store"
)

func newTestTrail(t *testing.T) (*Trail, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "audit.db"), 4, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewTrail(st), st
}

func TestLogChainsRows(t *testing.T) {
	ctx := context.Background()
	trail, st := newTestTrail(t)

	require.NoError(t, trail.Log(ctx, Entry{Event: EventAuth, User: "ana", Action: "prijava"}))
	require.NoError(t, trail.Log(ctx, Entry{Event: EventBooking, User: "ana", Action: "prijedlog bk-1", BookingID: "bk-1"}))

	rows, err := st.QueryAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Newest first; the second row chains on the first.
	first, second := rows[1], rows[0]
	assert.Equal(t, chainNext("", first.Fingerprint), first.ChainHash)
	assert.Equal(t, chainNext(first.ChainHash, second.Fingerprint), second.ChainHash)
	assert.Equal(t, SeverityInfo, first.Severity, "severity defaults to info")

	ok, n, err := trail.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, n)
}

func TestTrailResumesChainAcrossRestart(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "audit.db"), 4, 1000)
	require.NoError(t, err)
	defer st.Close()

	trail := NewTrail(st)
	require.NoError(t, trail.Log(ctx, Entry{Event: EventAuth, User: "ana", Action: "prijava"}))

	// A fresh trail over the same store must pick up the last hash, not
	// restart from genesis.
	reopened := NewTrail(st)
	require.NoError(t, reopened.Log(ctx, Entry{Event: EventAuth, User: "ana", Action: "odjava"}))

	ok, n, err := reopened.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, n)
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	trail, _ := newTestTrail(t)

	require.NoError(t, trail.Log(ctx, Entry{Event: EventAuth, User: "ana", Action: "prijava"}))
	require.NoError(t, trail.Log(ctx, Entry{Event: EventBooking, User: "maja", Action: "prijedlog"}))
	require.NoError(t, trail.Log(ctx, Entry{Event: EventSecurity, User: "maja", Action: "blokiran pristup", Severity: SeverityCritical}))

	rows, err := trail.Query(ctx, store.AuditFilter{Event: EventAuth})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ana", rows[0].User)

	rows, err = trail.Query(ctx, store.AuditFilter{User: "maja"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = trail.Query(ctx, store.AuditFilter{Severity: SeverityCritical})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, EventSecurity, rows[0].Event)

	n, err := trail.Count(ctx, store.AuditFilter{User: "maja"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	ctx := context.Background()
	trail, st := newTestTrail(t)

	require.NoError(t, trail.Log(ctx, Entry{Event: EventAuth, User: "ana", Action: "prijava"}))
	require.NoError(t, trail.Log(ctx, Entry{Event: EventAuth, User: "ana", Action: "odjava"}))

	// Forge the first row's fingerprint behind the trail's back.
	tampered := &store.AuditRow{
		Event: EventAuth, User: "x", Action: "x",
		Fingerprint: "deadbeefdeadbeef", ChainHash: "deadbeefdeadbeef",
	}
	require.NoError(t, st.AppendAudit(ctx, tampered))

	ok, at, err := trail.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, at, "break reported at the forged row")
}
