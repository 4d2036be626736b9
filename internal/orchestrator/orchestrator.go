package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/voterd/voterd/internal/activity"
	"github.com/voterd/voterd/internal/decision"
	"github.com/voterd/voterd/internal/filter"
	"github.com/voterd/voterd/internal/governance"
	"github.com/voterd/voterd/internal/prefs"
	"github.com/voterd/voterd/internal/statestore"
	"github.com/voterd/voterd/internal/transport"
	"github.com/voterd/voterd/internal/voting"
)

// ErrStopped reports cooperative shutdown: the run wrote a STOPPING
// checkpoint and will resume on the next start.
var ErrStopped = errors.New("run stopped before completion")

// Decider produces a vote decision or an abstention for one proposal.
type Decider interface {
	Decide(ctx context.Context, p *governance.Proposal, strategy prefs.Strategy, threshold float64) (decision.Result, error)
}

// Caster submits votes and mints receipts.
type Caster interface {
	Cast(ctx context.Context, runID string, p *governance.Proposal, d *decision.VoteDecision) voting.Receipt
	Skip(runID, proposalID, reason string) voting.Receipt
}

// Liveness is the daily-compliance hook invoked during FINALIZING.
type Liveness interface {
	EnsureDailyCompliance(ctx context.Context, receipts []voting.Receipt) (string, error)
}

// Fetcher reads active proposals for the configured spaces.
type Fetcher interface {
	ActiveProposals(ctx context.Context, spaceIDs []string, first int) ([]governance.Proposal, error)
}

type Orchestrator struct {
	Store     *statestore.Store
	Fetcher   Fetcher
	Decider   Decider
	Caster    Caster
	Liveness  Liveness
	LoadPrefs func() (prefs.UserPreferences, error)

	SpaceIDs   []string
	FetchFirst int
	DryRun     bool

	MaxAttempts          int
	Backoff              transport.BackoffConfig
	CheckpointRetention  int
	DecisionLogRetention int

	Logger   *log.Logger
	Progress ProgressSink
	Now      func() time.Time

	mu             sync.Mutex
	state          State
	runID          string
	lastTransition time.Time
	transitionGap  time.Duration
}

func New(store *statestore.Store, fetcher Fetcher, decider Decider, caster Caster, liveness Liveness, loadPrefs func() (prefs.UserPreferences, error), spaceIDs []string, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		Store:                store,
		Fetcher:              fetcher,
		Decider:              decider,
		Caster:               caster,
		Liveness:             liveness,
		LoadPrefs:            loadPrefs,
		SpaceIDs:             spaceIDs,
		FetchFirst:           20,
		MaxAttempts:          3,
		Backoff:              transport.DefaultBackoff(),
		CheckpointRetention:  5,
		DecisionLogRetention: 100,
		Logger:               logger,
		Progress:             NopSink{},
		Now:                  time.Now,
		state:                StateIdle,
		lastTransition:       time.Now(),
	}
}

// Status is the read-only view the health endpoint serves.
type Status struct {
	State          State
	RunID          string
	LastTransition time.Time
	TransitionGap  time.Duration
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		State:          o.state,
		RunID:          o.runID,
		LastTransition: o.lastTransition,
		TransitionGap:  o.transitionGap,
	}
}

// Execute performs one agent run. If the previous run was killed
// mid-flight its checkpoint is picked up and the same run id continues;
// proposals that already have a receipt are never re-attempted.
func (o *Orchestrator) Execute(ctx context.Context, trigger Trigger) (*Result, error) {
	cp, err := LatestResumable(o.Store)
	if err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}
	resumed := cp != nil
	now := o.Now().UTC()
	if resumed {
		o.Logger.Printf("INFO resuming run %s from state %s (%d receipts)", cp.RunID, cp.State, len(cp.Receipts))
	} else {
		cp = &Checkpoint{
			RunID:     NewRunID(now),
			Trigger:   trigger,
			State:     StateIdle,
			StartedAt: now,
			SpaceIDs:  o.SpaceIDs,
			DryRun:    o.DryRun,
		}
	}

	o.mu.Lock()
	o.runID = cp.RunID
	o.mu.Unlock()

	dlog, err := NewDecisionLog(o.Store.Root(), cp.RunID)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}

	var alog activity.Log
	warning, runErr := o.runLoop(ctx, cp, dlog, &alog, resumed)

	result := &Result{Activity: alog.Records(), Warning: warning}
	switch {
	case errors.Is(runErr, ErrStopped):
		// STOPPING checkpoint already written; surface to the scheduler.
		result.Run = o.runFromCheckpoint(cp)
		result.Receipts = cp.Receipts
		return result, runErr
	case runErr != nil:
		o.Logger.Printf("ERROR run %s failed: %v", cp.RunID, runErr)
		_ = o.transition(cp, StateFailed)
		cp.Warning = ""
	case warning != "":
		cp.Warning = warning
		_ = o.transition(cp, StateCompletedWithWarning)
	default:
		_ = o.transition(cp, StateCompleted)
	}

	o.prune()

	result.Run = o.runFromCheckpoint(cp)
	result.Run.FinishedAt = o.Now().UTC()
	result.Receipts = cp.Receipts
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (o *Orchestrator) runFromCheckpoint(cp *Checkpoint) Run {
	return Run{
		RunID:     cp.RunID,
		Trigger:   cp.Trigger,
		StartedAt: cp.StartedAt,
		State:     cp.State,
		Counters:  cp.Counters,
		SpaceIDs:  cp.SpaceIDs,
		DryRun:    cp.DryRun,
	}
}

func (o *Orchestrator) runLoop(ctx context.Context, cp *Checkpoint, dlog *DecisionLog, alog *activity.Log, resumed bool) (string, error) {
	if err := o.transition(cp, StateStarting); err != nil {
		return "", err
	}

	// A kill between signing and the response leaves the outcome unknown.
	// Record it as an error receipt so the resumed run never re-signs.
	if resumed && cp.PendingSubmission && cp.Cursor != "" && !cp.HasReceipt(cp.Cursor) {
		o.Logger.Printf("WARN run %s was killed mid-submission of %s; recording unknown outcome", cp.RunID, cp.Cursor)
		cp.Receipts = append(cp.Receipts, voting.Receipt{
			RunID:       cp.RunID,
			ProposalID:  cp.Cursor,
			SubmittedAt: o.Now().UTC(),
			Outcome:     voting.OutcomeError,
			Reason:      "unknown_pre_receipt",
		})
		cp.Counters.Errors++
		cp.PendingSubmission = false
	}

	userPrefs, err := o.LoadPrefs()
	if err != nil {
		return "", fmt.Errorf("load preferences: %w", err)
	}

	if err := o.transition(cp, StateFetchingProposals); err != nil {
		return "", err
	}
	var proposals []governance.Proposal
	err = transport.Retry(ctx, o.MaxAttempts, o.Backoff, "fetch:"+cp.RunID, func(ctx context.Context) error {
		var ferr error
		proposals, ferr = o.Fetcher.ActiveProposals(ctx, cp.SpaceIDs, o.FetchFirst)
		return ferr
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", o.stop(cp)
		}
		return "", fmt.Errorf("fetch proposals: %w", err)
	}

	if err := o.transition(cp, StateFiltering); err != nil {
		return "", err
	}
	candidates := filter.Candidates(proposals, userPrefs, o.Now())
	cp.Counters.ProposalsSeen = len(candidates)
	o.Logger.Printf("INFO run %s considering %d of %d proposals", cp.RunID, len(candidates), len(proposals))

	for i := range candidates {
		p := &candidates[i]
		fp := p.Fingerprint()
		if cp.HasReceipt(p.ID) {
			// The receipt stands either way, but an edit after the vote is
			// worth surfacing.
			if prev, ok := cp.Fingerprints[p.ID]; ok && prev != fp {
				o.Logger.Printf("WARN run %s proposal %s content changed after its receipt", cp.RunID, p.ID)
				o.Progress.Emit(map[string]any{
					"type":        "proposal_changed",
					"run_id":      cp.RunID,
					"proposal_id": p.ID,
				})
			}
			continue
		}
		if ctx.Err() != nil {
			return "", o.stop(cp)
		}

		cp.Cursor = p.ID
		cp.PendingSubmission = false
		if cp.Fingerprints == nil {
			cp.Fingerprints = map[string]string{}
		}
		cp.Fingerprints[p.ID] = fp
		if err := o.transition(cp, StateAnalyzingProposal); err != nil {
			return "", err
		}
		alog.Append(activity.Record{Kind: activity.KindOpportunityConsidered, ProposalID: p.ID})

		res, derr := o.Decider.Decide(ctx, p, userPrefs.Strategy, userPrefs.ConfidenceThreshold)
		if derr != nil {
			if ctx.Err() != nil {
				return "", o.stop(cp)
			}
			// Decide only errors on cancellation; treat anything else as a
			// per-proposal failure and keep going.
			o.Logger.Printf("ERROR run %s decide %s: %v", cp.RunID, p.ID, derr)
			cp.Receipts = append(cp.Receipts, o.Caster.Skip(cp.RunID, p.ID, "decision_error"))
			cp.Counters.Errors++
			if err := o.checkpoint(cp); err != nil {
				return "", err
			}
			continue
		}

		if res.Abstain != nil {
			if err := dlog.AppendAbstention(cp.RunID, res.Abstain, fp, o.Now()); err != nil {
				o.Logger.Printf("WARN decision log append failed: %v", err)
			}
			cp.Receipts = append(cp.Receipts, o.Caster.Skip(cp.RunID, p.ID, string(res.Abstain.Reason)))
			if err := o.checkpoint(cp); err != nil {
				return "", err
			}
			continue
		}

		if err := dlog.AppendDecision(cp.RunID, res.Decision, fp, o.Now()); err != nil {
			o.Logger.Printf("WARN decision log append failed: %v", err)
		}

		cp.PendingSubmission = true
		if err := o.transition(cp, StateSubmittingVote); err != nil {
			return "", err
		}
		receipt := o.Caster.Cast(ctx, cp.RunID, p, res.Decision)
		cp.PendingSubmission = false
		cp.Receipts = append(cp.Receipts, receipt)
		switch receipt.Outcome {
		case voting.OutcomeSubmitted:
			cp.Counters.ProposalsVoted++
			alog.Append(activity.Record{Kind: activity.KindVoteCast, ProposalID: p.ID, TxHash: receipt.Ref})
		case voting.OutcomeError:
			cp.Counters.Errors++
		}
		if ctx.Err() != nil {
			// Receipt is final; checkpoint it before stopping.
			return "", o.stop(cp)
		}
		if err := o.checkpoint(cp); err != nil {
			return "", err
		}
	}
	cp.Cursor = ""

	if err := o.transition(cp, StateFinalizing); err != nil {
		return "", err
	}
	var warning string
	livenessTx, lerr := o.Liveness.EnsureDailyCompliance(ctx, cp.Receipts)
	if lerr != nil {
		if ctx.Err() != nil {
			return "", o.stop(cp)
		}
		o.Logger.Printf("ERROR run %s liveness: %v", cp.RunID, lerr)
		warning = fmt.Sprintf("liveness transaction failed: %v", lerr)
	}
	switch {
	case len(candidates) == 0:
		alog.Append(activity.Record{Kind: activity.KindNoOpportunity, TxHash: livenessTx})
	case livenessTx != "" && !hasOnChainVote(cp.Receipts):
		// Candidates existed but nothing landed on-chain (all abstained,
		// errored, or voted off-chain); the self-transfer is the day's
		// transaction and the audit trail must carry its hash.
		alog.Append(activity.Record{Kind: activity.KindNoOpportunity, TxHash: livenessTx})
	}
	if warning == "" && cp.Counters.Errors > 0 {
		warning = fmt.Sprintf("%d of %d proposals errored", cp.Counters.Errors, cp.Counters.ProposalsSeen)
	}
	return warning, nil
}

func hasOnChainVote(receipts []voting.Receipt) bool {
	for _, r := range receipts {
		if r.Outcome == voting.OutcomeSubmitted && r.OnChain {
			return true
		}
	}
	return false
}

// stop writes the STOPPING checkpoint and returns ErrStopped.
func (o *Orchestrator) stop(cp *Checkpoint) error {
	if err := o.transition(cp, StateStopping); err != nil {
		o.Logger.Printf("ERROR writing STOPPING checkpoint for run %s: %v", cp.RunID, err)
	}
	return ErrStopped
}

// transition moves the run to state s and persists the checkpoint.
// Repeated checkpoint write failures are fatal for the run.
func (o *Orchestrator) transition(cp *Checkpoint, s State) error {
	cp.State = s

	now := o.Now()
	o.mu.Lock()
	o.transitionGap = now.Sub(o.lastTransition)
	o.lastTransition = now
	o.state = s
	o.mu.Unlock()

	o.Logger.Printf("INFO run %s state=%s seen=%d voted=%d errors=%d",
		cp.RunID, s, cp.Counters.ProposalsSeen, cp.Counters.ProposalsVoted, cp.Counters.Errors)
	o.Progress.Emit(map[string]any{
		"type":     "state_transition",
		"run_id":   cp.RunID,
		"state":    string(s),
		"counters": cp.Counters,
	})
	return o.checkpoint(cp)
}

func (o *Orchestrator) checkpoint(cp *Checkpoint) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = saveCheckpoint(o.Store, cp); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("checkpoint write failed repeatedly: %w", err)
}

func (o *Orchestrator) prune() {
	if err := PruneCheckpoints(o.Store, o.CheckpointRetention); err != nil {
		o.Logger.Printf("WARN checkpoint retention: %v", err)
	}
	if err := PruneDecisionLogs(o.Store.Root(), o.DecisionLogRetention); err != nil {
		o.Logger.Printf("WARN decision log retention: %v", err)
	}
}
