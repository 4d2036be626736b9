package voting

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/voterd/voterd/internal/config"
	"github.com/voterd/voterd/internal/decision"
	"github.com/voterd/voterd/internal/governance"
	"github.com/voterd/voterd/internal/transport"
)

type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeError     Outcome = "error"
)

// Receipt is the final per-proposal result. Once a receipt exists for a
// (run, proposal) pair the executor never re-submits it.
type Receipt struct {
	RunID       string               `json:"run_id"`
	ProposalID  string               `json:"proposal_id"`
	ChoiceIndex int                  `json:"choice_index,omitempty"`
	Path        config.ExecutionPath `json:"path"`
	// Ref is the transport reference: the envelope signature on the EOA
	// path, the safeTxHash on the Safe path.
	Ref         string    `json:"ref,omitempty"`
	OnChain     bool      `json:"on_chain"`
	SubmittedAt time.Time `json:"submitted_at"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
}

// Skipped builds a receipt for a proposal no vote was attempted on
// (dry-run, abstention, resume gap).
func Skipped(runID, proposalID, reason string, path config.ExecutionPath, at time.Time) Receipt {
	return Receipt{
		RunID:       runID,
		ProposalID:  proposalID,
		Path:        path,
		SubmittedAt: at,
		Outcome:     OutcomeSkipped,
		Reason:      reason,
	}
}

// SnapshotSubmitter is the sequencer surface the EOA path posts to.
type SnapshotSubmitter interface {
	SubmitVote(ctx context.Context, envelope any) (string, error)
}

// SafeProposer is the transaction-service surface the Safe path uses.
type SafeProposer interface {
	Address() common.Address
	NextNonce(ctx context.Context) (*big.Int, error)
	Propose(ctx context.Context, id *Identity, tx *SafeTx) (common.Hash, error)
	SelfTransfer(nonce *big.Int) *SafeTx
}

type Executor struct {
	Path        config.ExecutionPath
	Identity    *Identity
	Snapshot    SnapshotSubmitter
	Safe        SafeProposer
	GovernorFor func(spaceID string) common.Address
	ChainID     int64
	MaxAttempts int
	Backoff     transport.BackoffConfig
	Logger      *log.Logger
	Now         func() time.Time
}

func NewExecutor(path config.ExecutionPath, id *Identity, snap SnapshotSubmitter, safe SafeProposer, governorFor func(string) common.Address, chainID int64, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		Path:        path,
		Identity:    id,
		Snapshot:    snap,
		Safe:        safe,
		GovernorFor: governorFor,
		ChainID:     chainID,
		MaxAttempts: 3,
		Backoff:     transport.DefaultBackoff(),
		Logger:      logger,
		Now:         time.Now,
	}
}

// Skip mints a skipped receipt on the executor's path, e.g. for an
// abstention the orchestrator still wants in the run result.
func (e *Executor) Skip(runID, proposalID, reason string) Receipt {
	return Skipped(runID, proposalID, reason, e.Path, e.Now())
}

// Cast submits the decision's vote and reports the outcome. Transport
// failures are retried; validation rejections are not, and the receipt
// records them as rejected.
func (e *Executor) Cast(ctx context.Context, runID string, p *governance.Proposal, d *decision.VoteDecision) Receipt {
	now := e.Now()
	if e.Path == config.PathDryRun {
		r := Skipped(runID, p.ID, "dry_run", e.Path, now)
		r.ChoiceIndex = d.ChoiceIndex
		return r
	}

	receipt := Receipt{
		RunID:       runID,
		ProposalID:  p.ID,
		ChoiceIndex: d.ChoiceIndex,
		Path:        e.Path,
		SubmittedAt: now,
	}

	var err error
	switch e.Path {
	case config.PathEOA:
		receipt.Ref, err = e.castEOA(ctx, p, d)
	case config.PathSafe:
		var hash common.Hash
		hash, err = e.castSafe(ctx, p, d)
		receipt.Ref = hash.Hex()
		receipt.OnChain = err == nil
	default:
		err = fmt.Errorf("unknown execution path %q", e.Path)
	}

	switch {
	case err == nil:
		receipt.Outcome = OutcomeSubmitted
	case transport.IsValidation(err):
		receipt.Outcome = OutcomeRejected
		receipt.Reason = err.Error()
		receipt.Ref = ""
		receipt.OnChain = false
	default:
		receipt.Outcome = OutcomeError
		receipt.Reason = err.Error()
		receipt.Ref = ""
		receipt.OnChain = false
	}
	return receipt
}

func (e *Executor) castEOA(ctx context.Context, p *governance.Proposal, d *decision.VoteDecision) (string, error) {
	envelope, err := SignVote(e.Identity, p, d.ChoiceIndex, e.Now())
	if err != nil {
		return "", err
	}
	sig, _ := envelope["sig"].(string)
	seed := fmt.Sprintf("vote:%s", p.ID)
	err = transport.Retry(ctx, e.MaxAttempts, e.Backoff, seed, func(ctx context.Context) error {
		_, serr := e.Snapshot.SubmitVote(ctx, envelope)
		return serr
	})
	if err != nil {
		return "", err
	}
	return sig, nil
}

func (e *Executor) castSafe(ctx context.Context, p *governance.Proposal, d *decision.VoteDecision) (common.Hash, error) {
	governor := e.GovernorFor(p.SpaceID)
	if governor == (common.Address{}) {
		return common.Hash{}, fmt.Errorf("no governor configured for space %s", p.SpaceID)
	}
	// Snapshot's 1-based choice index maps onto the governor support
	// scale by position.
	support := uint8(d.ChoiceIndex - 1)
	data, err := EncodeCastVote(ProposalIDToUint256(p.ID), support, d.Reasoning)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode castVote: %w", err)
	}

	var hash common.Hash
	seed := fmt.Sprintf("safe-vote:%s", p.ID)
	err = transport.Retry(ctx, e.MaxAttempts, e.Backoff, seed, func(ctx context.Context) error {
		nonce, nerr := e.Safe.NextNonce(ctx)
		if nerr != nil {
			return nerr
		}
		tx := &SafeTx{
			Safe:    e.Safe.Address(),
			To:      governor,
			Data:    data,
			Nonce:   nonce,
			ChainID: e.ChainID,
		}
		hash, nerr = e.Safe.Propose(ctx, e.Identity, tx)
		return nerr
	})
	if err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}
