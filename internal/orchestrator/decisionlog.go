package orchestrator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/voterd/voterd/internal/decision"
	"github.com/voterd/voterd/internal/prefs"
)

// DecisionEntry is one line of the append-only decision log. ChoiceIndex
// is null for abstentions.
type DecisionEntry struct {
	RunID       string         `json:"run_id"`
	ProposalID  string         `json:"proposal_id"`
	ChoiceIndex *int           `json:"choice_index"`
	Confidence  float64        `json:"confidence"`
	Risk        string         `json:"risk,omitempty"`
	Reasoning   string         `json:"reasoning"`
	Strategy    prefs.Strategy `json:"strategy"`
	// Fingerprint is the content hash of the proposal the decision was
	// made against, so an audit can tell whether the proposal was edited
	// after the fact.
	Fingerprint string    `json:"fingerprint,omitempty"`
	TS          time.Time `json:"ts"`
}

// DecisionLog appends JSONL entries under <root>/decisions/<run_id>.jsonl.
// Each append is flushed and fsynced before returning so a crash never
// loses an acknowledged entry.
type DecisionLog struct {
	path string
}

func NewDecisionLog(root, runID string) (*DecisionLog, error) {
	dir := filepath.Join(root, "decisions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DecisionLog{path: filepath.Join(dir, runID+".jsonl")}, nil
}

func (l *DecisionLog) Path() string { return l.path }

func (l *DecisionLog) append(entry DecisionEntry) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&entry); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync decision log: %w", err)
	}
	return nil
}

// AppendDecision logs an accepted vote decision.
func (l *DecisionLog) AppendDecision(runID string, d *decision.VoteDecision, fingerprint string, at time.Time) error {
	idx := d.ChoiceIndex
	return l.append(DecisionEntry{
		RunID:       runID,
		ProposalID:  d.ProposalID,
		ChoiceIndex: &idx,
		Confidence:  d.Confidence,
		Risk:        string(d.Risk),
		Reasoning:   d.Reasoning,
		Strategy:    d.Strategy,
		Fingerprint: fingerprint,
		TS:          at.UTC(),
	})
}

// AppendAbstention logs a skip with its reason in the reasoning slot.
func (l *DecisionLog) AppendAbstention(runID string, a *decision.Abstention, fingerprint string, at time.Time) error {
	reasoning := string(a.Reason)
	if a.Detail != "" {
		reasoning = fmt.Sprintf("%s: %s", a.Reason, a.Detail)
	}
	return l.append(DecisionEntry{
		RunID:       runID,
		ProposalID:  a.ProposalID,
		Confidence:  a.Confidence,
		Risk:        string(a.Risk),
		Reasoning:   reasoning,
		Strategy:    a.Strategy,
		Fingerprint: fingerprint,
		TS:          at.UTC(),
	})
}

// ReadEntries loads a run's full decision log for the status surfaces.
func ReadEntries(root, runID string) ([]DecisionEntry, error) {
	path := filepath.Join(root, "decisions", runID+".jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []DecisionEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e DecisionEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("malformed decision log line: %w", err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
