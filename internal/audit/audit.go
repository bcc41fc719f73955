// Package audit maintains the append-only, chain-hashed event trail.
// Every mutation in the system produces exactly one row here.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nyxlight/backend/internal/store"
)

const genesis = "GENESIS"

// Event types. One per mutation class, matching the audit_log schema.
const (
	EventAuth       = "auth"
	EventBooking    = "booking"
	EventApproval   = "approval"
	EventCorrection = "correction"
	EventExport     = "export"
	EventSecurity   = "security"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type Entry struct {
	Event     string
	User      string
	Client    string
	Action    string
	Details   map[string]interface{}
	Severity  string
	BookingID string
}

// Trail serializes appends under one mutex so the chain reads its
// predecessor and writes atomically. Reads go straight to the store.
type Trail struct {
	store  *store.Store
	mu     sync.Mutex
	last   string
	loaded bool
	logger *log.Logger
}

func NewTrail(st *store.Store) *Trail {
	return &Trail{
		store:  st,
		logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
}

// Log appends one row. Severity defaults to info. Failures are
// returned but callers that cannot roll back their own mutation log
// them and continue; the trail must never block the business path.
func (t *Trail) Log(ctx context.Context, e Entry) error {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loaded {
		last, err := t.store.LastAuditChain(ctx)
		if err != nil {
			return err
		}
		t.last = last
		t.loaded = true
	}

	row := &store.AuditRow{
		TS:          time.Now().UTC().Format(time.RFC3339Nano),
		Event:       e.Event,
		User:        e.User,
		Client:      e.Client,
		Action:      e.Action,
		DetailsJSON: store.DetailsJSON(e.Details),
		Severity:    e.Severity,
		BookingID:   e.BookingID,
	}
	row.Fingerprint = fingerprint(row)
	row.ChainHash = chainNext(t.last, row.Fingerprint)

	if err := t.store.AppendAudit(ctx, row); err != nil {
		return err
	}
	t.last = row.ChainHash
	return nil
}

// MustLog is Log for callers past the point of no return: the mutation
// already happened, so a trail failure is logged, not propagated.
func (t *Trail) MustLog(ctx context.Context, e Entry) {
	if err := t.Log(ctx, e); err != nil {
		t.logger.Printf("audit append failed (%s %s): %v", e.Event, e.Action, err)
	}
}

func (t *Trail) Query(ctx context.Context, f store.AuditFilter) ([]*store.AuditRow, error) {
	return t.store.QueryAudit(ctx, f)
}

func (t *Trail) Count(ctx context.Context, f store.AuditFilter) (int, error) {
	return t.store.CountAudit(ctx, f)
}

// VerifyChain walks the trail and reports the first break, if any.
func (t *Trail) VerifyChain(ctx context.Context) (bool, int, error) {
	rows, err := t.store.AuditChainRows(ctx)
	if err != nil {
		return false, 0, err
	}
	prev := ""
	for i, r := range rows {
		if chainNext(prev, r[0]) != r[1] {
			return false, i, nil
		}
		prev = r[1]
	}
	return true, len(rows), nil
}

func fingerprint(r *store.AuditRow) string {
	content := fmt.Sprintf("%s|%s|%s|%s|%s|%s", r.TS, r.Event, r.User, r.Client, r.Action, r.DetailsJSON)
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

func chainNext(prev, fp string) string {
	if prev == "" {
		prev = genesis
	}
	sum := sha256.Sum256([]byte(prev + "|" + fp))
	return hex.EncodeToString(sum[:])[:16]
}
