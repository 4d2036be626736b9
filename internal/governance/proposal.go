package governance

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/blake3"
)

type ProposalState string

const (
	ProposalActive  ProposalState = "active"
	ProposalClosed  ProposalState = "closed"
	ProposalPending ProposalState = "pending"
)

// Proposal is a governance item fetched from the Snapshot hub. Proposals
// are immutable for the duration of a run and never persisted long-term;
// only their IDs and fingerprints enter checkpoints and the decision log.
type Proposal struct {
	ID      string         `json:"id"`
	SpaceID string         `json:"space"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Author  common.Address `json:"author"`
	Choices []string       `json:"choices"`
	Scores  []float64      `json:"scores"`
	Start   int64          `json:"start"` // unix seconds
	End     int64          `json:"end"`   // unix seconds
	State   ProposalState  `json:"state"`
}

// TotalScore is the cumulative cast vote weight across all choices.
func (p *Proposal) TotalScore() float64 {
	total := 0.0
	for _, s := range p.Scores {
		total += s
	}
	return total
}

// RemainingAt returns the time left until the voting window closes,
// clamped at zero.
func (p *Proposal) RemainingAt(now time.Time) time.Duration {
	d := time.Unix(p.End, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Fingerprint is a blake3 digest of the proposal's decision-relevant
// content. Checkpoints and decision log entries carry it so a resumed run
// can tell when a proposal was edited under it.
func (p *Proposal) Fingerprint() string {
	h := blake3.New()
	for _, part := range []string{p.ID, p.Title, p.Body} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	for _, c := range p.Choices {
		_, _ = h.Write([]byte(c))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HasBytes32ID reports whether the proposal id is a 32-byte hex value.
// The Snapshot sequencer types such ids as bytes32 in the vote envelope
// and everything else as string.
func (p *Proposal) HasBytes32ID() bool {
	id := strings.TrimSpace(p.ID)
	if len(id) != 66 || !strings.HasPrefix(id, "0x") {
		return false
	}
	_, err := hex.DecodeString(id[2:])
	return err == nil
}
