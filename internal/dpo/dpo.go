// Package dpo turns operator corrections into preference-pair training
// data. Each correction becomes a (prompt, chosen, rejected) triple and
// the nightly job writes them as JSONL under data/dpo_datasets/. The
// JSONL files are the system of record; the training run itself is an
// external concern.
package dpo

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/nyxlight/backend/internal/store"
)

// MinPairsForTraining is advisory: the export always writes the file,
// Ready just tells the external trainer whether a run is worthwhile.
const MinPairsForTraining = 50

type Pair struct {
	Prompt   string       `json:"prompt"`
	Chosen   string       `json:"chosen"`
	Rejected string       `json:"rejected"`
	Metadata PairMetadata `json:"metadata"`
}

type PairMetadata struct {
	PairID         string `json:"pair_id"`
	UserID         string `json:"user_id"`
	ClientID       string `json:"client_id,omitempty"`
	CorrectionType string `json:"correction_type"`
	Timestamp      string `json:"timestamp"`
}

type ExportResult struct {
	Exported bool   `json:"exported"`
	Path     string `json:"path,omitempty"`
	Pairs    int    `json:"pairs"`
	Ready    bool   `json:"ready_for_training"`
}

type Builder struct {
	store  *store.Store
	dir    string
	logger *log.Logger
}

func NewBuilder(st *store.Store, dir string) *Builder {
	return &Builder{
		store:  st,
		dir:    dir,
		logger: log.New(log.Writer(), "[DPO] ", log.LstdFlags),
	}
}

// ExportDaily collects the day's corrections, builds deduplicated
// pairs and writes dpo_YYYYMMDD.jsonl. Re-running for the same day
// rewrites the same file with the same content.
func (b *Builder) ExportDaily(ctx context.Context, day time.Time) (*ExportResult, error) {
	corrections, err := b.store.CorrectionsOn(ctx, day)
	if err != nil {
		return nil, err
	}

	pairs := BuildPairs(corrections)
	if len(pairs) == 0 {
		return &ExportResult{Exported: false, Pairs: 0}, nil
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(b.dir, "dpo_"+day.Format("20060102")+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, p := range pairs {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		w.Write(raw)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	b.logger.Printf("izvezeno %d parova u %s", len(pairs), path)
	return &ExportResult{
		Exported: true,
		Path:     path,
		Pairs:    len(pairs),
		Ready:    len(pairs) >= MinPairsForTraining,
	}, nil
}

// BuildPairs converts correction rows into preference pairs,
// deduplicating by hash of prompt+chosen.
func BuildPairs(corrections []*store.Correction) []Pair {
	seen := make(map[string]bool)
	var pairs []Pair
	for _, c := range corrections {
		prompt := correctionPrompt(c)
		chosen := kontoAnswer(c.CorrectedKonto, c)
		rejected := kontoAnswer(c.OriginalKonto, c)

		sum := sha256.Sum256([]byte(prompt + ":" + chosen))
		id := hex.EncodeToString(sum[:])[:16]
		if seen[id] {
			continue
		}
		seen[id] = true

		pairs = append(pairs, Pair{
			Prompt:   prompt,
			Chosen:   chosen,
			Rejected: rejected,
			Metadata: PairMetadata{
				PairID:         id,
				UserID:         c.User,
				ClientID:       c.Client,
				CorrectionType: "konto_change",
				Timestamp:      c.CreatedAt,
			},
		})
	}
	return pairs
}

func correctionPrompt(c *store.Correction) string {
	desc := c.Description
	if desc == "" {
		desc = c.DocType
	}
	if c.Supplier != "" {
		return fmt.Sprintf("Kontiraj: %s (dobavljač: %s)", desc, c.Supplier)
	}
	return "Kontiraj: " + desc
}

func kontoAnswer(konto string, c *store.Correction) string {
	return fmt.Sprintf("Konto: %s (%s)", konto, c.DocType)
}
