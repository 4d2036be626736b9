package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/voterd/voterd/internal/statestore"
	"github.com/voterd/voterd/internal/voting"
)

const checkpointPrefix = "agent_checkpoint_"

// Checkpoint is the persisted run progress. Written on every state
// transition and after every processed proposal; sufficient to resume
// without re-submitting.
type Checkpoint struct {
	RunID     string    `json:"run_id"`
	Trigger   Trigger   `json:"trigger"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	SpaceIDs  []string  `json:"space_ids"`
	DryRun    bool      `json:"dry_run"`
	Counters  Counters  `json:"counters"`
	// Cursor is the proposal currently being processed. PendingSubmission
	// marks that a signature may already be in flight for it: a resumed
	// run must not re-sign.
	Cursor            string           `json:"cursor,omitempty"`
	PendingSubmission bool             `json:"pending_submission,omitempty"`
	Receipts          []voting.Receipt `json:"receipts"`
	// Fingerprints records the content hash each analyzed proposal had,
	// keyed by proposal id. A resumed run compares them to detect a
	// proposal edited after its receipt was written.
	Fingerprints map[string]string `json:"fingerprints,omitempty"`
	Warning      string            `json:"warning,omitempty"`
}

// HasReceipt reports whether the proposal already has a final receipt.
func (c *Checkpoint) HasReceipt(proposalID string) bool {
	for _, r := range c.Receipts {
		if r.ProposalID == proposalID {
			return true
		}
	}
	return false
}

func checkpointName(runID string) string {
	return checkpointPrefix + runID
}

func saveCheckpoint(store *statestore.Store, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	_, err := store.Save(checkpointName(cp.RunID), cp, statestore.SaveOptions{})
	return err
}

func loadCheckpoint(store *statestore.Store, runID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := store.Load(checkpointName(runID), &cp, statestore.LoadOptions{AllowRecovery: true})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func listCheckpointFiles(store *statestore.Store) ([]string, error) {
	return doublestar.FilepathGlob(filepath.Join(store.Root(), checkpointPrefix+"*.json"))
}

// Latest returns the newest checkpoint in the store regardless of
// state, or nil when none exist. The status command reads it.
func Latest(store *statestore.Store) (*Checkpoint, error) {
	matches, err := listCheckpointFiles(store)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	for _, path := range matches {
		runID := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), checkpointPrefix), ".json")
		cp, err := loadCheckpoint(store, runID)
		if err != nil {
			if statestore.IsCorruption(err) || errors.Is(err, statestore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		return cp, nil
	}
	return nil, nil
}

// LatestResumable scans the store for the newest checkpoint left in a
// non-terminal state. ULID run ids make lexicographic order
// chronological.
func LatestResumable(store *statestore.Store) (*Checkpoint, error) {
	matches, err := listCheckpointFiles(store)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	for _, path := range matches {
		runID := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), checkpointPrefix), ".json")
		cp, err := loadCheckpoint(store, runID)
		if err != nil {
			if statestore.IsCorruption(err) || errors.Is(err, statestore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !cp.State.Terminal() {
			return cp, nil
		}
		// Newest run finished cleanly: nothing to resume.
		return nil, nil
	}
	return nil, nil
}

// PruneCheckpoints keeps the newest keep checkpoint documents and
// deletes the rest (archived to backups first by the store).
func PruneCheckpoints(store *statestore.Store, keep int) error {
	if keep < 1 {
		keep = 1
	}
	matches, err := listCheckpointFiles(store)
	if err != nil {
		return err
	}
	if len(matches) <= keep {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	var firstErr error
	for _, path := range matches[keep:] {
		runID := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), checkpointPrefix), ".json")
		if err := store.Delete(checkpointName(runID)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("prune checkpoint %s: %w", runID, err)
		}
	}
	return firstErr
}

// PruneDecisionLogs keeps the newest keep run logs under
// <root>/decisions and removes the rest.
func PruneDecisionLogs(root string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	matches, err := doublestar.FilepathGlob(filepath.Join(root, "decisions", "*.jsonl"))
	if err != nil {
		return err
	}
	if len(matches) <= keep {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	var firstErr error
	for _, path := range matches[keep:] {
		if err := os.Remove(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
