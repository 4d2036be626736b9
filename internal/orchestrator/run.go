// Package orchestrator drives the agent run state machine: fetch,
// filter, decide, vote, attest, checkpoint after every transition, and
// resume after a kill without re-submitting anything.
package orchestrator

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/voterd/voterd/internal/activity"
	"github.com/voterd/voterd/internal/voting"
)

type State string

const (
	StateIdle                 State = "IDLE"
	StateStarting             State = "STARTING"
	StateFetchingProposals    State = "FETCHING_PROPOSALS"
	StateFiltering            State = "FILTERING"
	StateAnalyzingProposal    State = "ANALYZING_PROPOSAL"
	StateSubmittingVote       State = "SUBMITTING_VOTE"
	StateFinalizing           State = "FINALIZING"
	StateCompleted            State = "COMPLETED"
	StateCompletedWithWarning State = "COMPLETED_WITH_WARNING"
	StateFailed               State = "FAILED"
	StateStopping             State = "STOPPING"
)

// Terminal reports whether the state ends a run. STOPPING is not
// terminal: a stopped run resumes on the next start.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCompletedWithWarning, StateFailed:
		return true
	}
	return false
}

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

type Counters struct {
	ProposalsSeen  int `json:"proposals_seen"`
	ProposalsVoted int `json:"proposals_voted"`
	Errors         int `json:"errors"`
}

// Run is the live run record. The orchestrator owns it exclusively;
// everything else sees read-only copies.
type Run struct {
	RunID      string    `json:"run_id"`
	Trigger    Trigger   `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	State      State     `json:"state"`
	Counters   Counters  `json:"counters"`
	SpaceIDs   []string  `json:"space_ids"`
	DryRun     bool      `json:"dry_run"`
}

// Result is what a finished (or stopped) run hands back to the
// scheduler.
type Result struct {
	Run      Run
	Receipts []voting.Receipt
	Activity []activity.Record
	Warning  string
}

// NewRunID returns a ULID. ULIDs sort lexicographically by creation
// time, which the checkpoint scanner relies on to find the newest run.
func NewRunID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}
