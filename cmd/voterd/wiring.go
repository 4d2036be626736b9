package main

import (
	"log"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/voterd/voterd/internal/activity"
	"github.com/voterd/voterd/internal/config"
	"github.com/voterd/voterd/internal/decision"
	"github.com/voterd/voterd/internal/governance/snapshot"
	"github.com/voterd/voterd/internal/llm"
	"github.com/voterd/voterd/internal/llm/anthropic"
	"github.com/voterd/voterd/internal/orchestrator"
	"github.com/voterd/voterd/internal/prefs"
	"github.com/voterd/voterd/internal/statestore"
	"github.com/voterd/voterd/internal/voting"
)

// agent is the fully wired component graph behind run and serve.
type agent struct {
	store  *statestore.Store
	orch   *orchestrator.Orchestrator
	logger *log.Logger
}

func buildAgent(cfg *config.Config) (*agent, error) {
	logger := log.New(os.Stderr, "[voterd] ", log.LstdFlags|log.LUTC)

	store, err := statestore.New(cfg.Store.Root, cfg.Store.MaxBackups, logger)
	if err != nil {
		return nil, err
	}

	snapClient := snapshot.NewClient(
		cfg.Endpoints.SnapshotHub,
		cfg.Endpoints.SnapshotSequencer,
		time.Duration(cfg.Timeouts.SnapshotMS)*time.Millisecond,
	)

	llmClient := llm.NewClient()
	adapter, err := anthropic.New(config.Secret(cfg.AI.APIKeyEnv), cfg.AI.BaseURL)
	if err != nil {
		return nil, err
	}
	llmClient.Register(adapter)
	llmClient.SetDefaultProvider(adapter.Name())
	engine := decision.NewEngine(llmClient, cfg.AI.Model, cfg.AI.MaxTokens,
		time.Duration(cfg.Timeouts.AIMS)*time.Millisecond, logger)

	// dry_run needs no key; the other paths sign.
	var identity *voting.Identity
	if cfg.Execution.Path != config.PathDryRun {
		key := config.Secret(cfg.Execution.PrivateKeyEnv)
		if key == "" {
			return nil, &config.Error{
				Field: "execution.private_key_env",
				Msg:   "env var " + cfg.Execution.PrivateKeyEnv + " is not set",
			}
		}
		identity, err = voting.NewIdentity(key)
		if err != nil {
			return nil, &config.Error{Field: "execution.private_key_env", Msg: err.Error()}
		}
	}

	var safeProposer voting.SafeProposer
	if cfg.Execution.Path == config.PathSafe {
		safeProposer = voting.NewSafeClient(
			cfg.Endpoints.SafeTxService,
			common.HexToAddress(cfg.Execution.SafeAddress),
			cfg.Execution.ChainID,
			time.Duration(cfg.Timeouts.VoteMS)*time.Millisecond,
		)
	}

	executor := voting.NewExecutor(cfg.Execution.Path, identity, snapClient,
		safeProposer, cfg.GovernorFor, cfg.Execution.ChainID, logger)
	liveness := activity.NewController(store, safeProposer, identity, logger)
	liveness.DryRun = cfg.Execution.Path == config.PathDryRun

	orch := orchestrator.New(store, snapClient, engine, executor, liveness,
		func() (prefs.UserPreferences, error) { return prefs.Load(store) },
		cfg.SpaceIDs(), logger)
	orch.FetchFirst = cfg.Schedule.MaxProposalsFetch
	orch.DryRun = cfg.Execution.Path == config.PathDryRun
	orch.CheckpointRetention = cfg.Store.CheckpointRetention
	orch.DecisionLogRetention = cfg.Store.DecisionLogRetention
	orch.Progress = orchestrator.NewRunSink(store.Root())

	return &agent{store: store, orch: orch, logger: logger}, nil
}
