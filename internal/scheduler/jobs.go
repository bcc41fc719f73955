package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nyxlight/backend/internal/dpo"
	"github.com/nyxlight/backend/internal/store"
)

// RegisterDefaultJobs wires the three nightly jobs: preference-pair
// export at 02:00, store backup at 03:00, audit pruning at 05:00.
func RegisterDefaultJobs(s *Scheduler, st *store.Store, builder *dpo.Builder, backupsDir string, backupKeep, auditKeepDays int) {
	s.Add("dpo_export", 2, 0, func(ctx context.Context) error {
		_, err := builder.ExportDaily(ctx, time.Now())
		return err
	})
	s.Add("backup", 3, 0, func(ctx context.Context) error {
		return runBackup(ctx, st, backupsDir, backupKeep)
	})
	s.Add("log_cleanup", 5, 0, func(ctx context.Context) error {
		cutoff := time.Now().AddDate(0, 0, -auditKeepDays)
		_, err := st.PruneAudit(ctx, cutoff)
		return err
	})
}

func runBackup(ctx context.Context, st *store.Store, dir string, keep int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(dir, "nyx_"+time.Now().Format("20060102_150405")+".db")
	if err := st.Snapshot(ctx, dst); err != nil {
		return err
	}
	return pruneBackups(dir, keep)
}

// pruneBackups keeps the newest n snapshots.
func pruneBackups(dir string, keep int) error {
	if keep <= 0 {
		keep = 30
	}
	matches, err := filepath.Glob(filepath.Join(dir, "nyx_*.db"))
	if err != nil {
		return err
	}
	if len(matches) <= keep {
		return nil
	}
	sort.Strings(matches) // timestamped names sort chronologically
	for _, old := range matches[:len(matches)-keep] {
		if err := os.Remove(old); err != nil {
			return err
		}
	}
	return nil
}
