package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voterd/voterd/internal/activity"
	"github.com/voterd/voterd/internal/config"
	"github.com/voterd/voterd/internal/orchestrator"
	"github.com/voterd/voterd/internal/scheduler"
	"github.com/voterd/voterd/internal/server"
	"github.com/voterd/voterd/internal/statestore"
)

// Exit codes the supervisor distinguishes: 0 normal shutdown, 2
// configuration error, 3 unrecoverable state corruption, 1 anything
// else.
const (
	exitOK         = 0
	exitFatal      = 1
	exitConfig     = 2
	exitCorruption = 3
)

func main() {
	// A .env beside the binary is a local-dev convenience; deployments
	// inject real env vars.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(exitFatal)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "validate-config":
		cmdValidateConfig(os.Args[2:])
	default:
		usage()
		os.Exit(exitFatal)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  voterd run --config <voterd.yaml> [--dry-run]")
	fmt.Fprintln(os.Stderr, "  voterd serve --config <voterd.yaml>")
	fmt.Fprintln(os.Stderr, "  voterd status --config <voterd.yaml>")
	fmt.Fprintln(os.Stderr, "  voterd validate-config --config <voterd.yaml>")
}

// parseCommon handles the flags every subcommand shares.
func parseCommon(args []string) (configPath string, dryRun bool) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(exitFatal)
			}
			configPath = args[i]
		case "--dry-run":
			dryRun = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitFatal)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(exitFatal)
	}
	return configPath, dryRun
}

// fail prints the error and exits with the code its kind maps to.
func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	var cfgErr *config.Error
	switch {
	case errors.As(err, &cfgErr):
		os.Exit(exitConfig)
	case statestore.IsCorruption(err), statestore.IsSchemaViolation(err):
		os.Exit(exitCorruption)
	default:
		os.Exit(exitFatal)
	}
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fail(err)
	}
	return cfg
}

func cmdRun(args []string) {
	configPath, dryRun := parseCommon(args)
	cfg := loadConfig(configPath)
	if dryRun {
		cfg.Execution.Path = config.PathDryRun
	}

	agent, err := buildAgent(cfg)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	forceExitOnSecondSignal(ctx)

	res, err := agent.orch.Execute(ctx, orchestrator.TriggerManual)
	if res != nil {
		printRun(res)
	}
	switch {
	case errors.Is(err, orchestrator.ErrStopped):
		// Cooperative shutdown; the checkpoint resumes next start.
		os.Exit(exitOK)
	case err != nil:
		fail(err)
	}
	os.Exit(exitOK)
}

func cmdServe(args []string) {
	configPath, dryRun := parseCommon(args)
	cfg := loadConfig(configPath)
	if dryRun {
		cfg.Execution.Path = config.PathDryRun
	}

	agent, err := buildAgent(cfg)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	forceExitOnSecondSignal(ctx)

	sched := scheduler.New(agent.orch,
		time.Duration(cfg.Schedule.PollIntervalS)*time.Second,
		time.Duration(cfg.Schedule.ShutdownGraceS)*time.Second,
		agent.logger)
	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		UnhealthyAfter: time.Duration(cfg.Server.UnhealthyAfterMin) * time.Minute,
	}, agent.orch, sched, agent.logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.ListenAndServe() }()

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	select {
	case err := <-serverErr:
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		<-schedDone
		os.Exit(exitFatal)
	case <-ctx.Done():
	}

	// Signal received: wait for the in-flight run to reach its STOPPING
	// checkpoint, then drain HTTP.
	<-schedDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	os.Exit(exitOK)
}

func cmdStatus(args []string) {
	configPath, _ := parseCommon(args)
	cfg := loadConfig(configPath)

	store, err := statestore.New(cfg.Store.Root, cfg.Store.MaxBackups, nil)
	if err != nil {
		fail(err)
	}

	cp, err := orchestrator.Latest(store)
	if err != nil {
		fail(err)
	}
	if cp == nil {
		fmt.Println("state=IDLE")
		fmt.Println("runs=none")
		os.Exit(exitOK)
	}
	fmt.Printf("run_id=%s\n", cp.RunID)
	fmt.Printf("state=%s\n", cp.State)
	fmt.Printf("trigger=%s\n", cp.Trigger)
	fmt.Printf("started_at=%s\n", cp.StartedAt.UTC().Format(time.RFC3339))
	fmt.Printf("updated_at=%s\n", cp.UpdatedAt.UTC().Format(time.RFC3339))
	fmt.Printf("proposals_seen=%d\n", cp.Counters.ProposalsSeen)
	fmt.Printf("proposals_voted=%d\n", cp.Counters.ProposalsVoted)
	fmt.Printf("errors=%d\n", cp.Counters.Errors)
	if cp.Warning != "" {
		fmt.Printf("warning=%s\n", cp.Warning)
	}

	entries, err := orchestrator.ReadEntries(cfg.Store.Root, cp.RunID)
	if err != nil {
		fail(err)
	}
	fmt.Printf("decisions=%d\n", len(entries))
	for _, e := range entries {
		if e.ChoiceIndex != nil {
			fmt.Printf("decision proposal=%s choice=%d confidence=%.2f\n", e.ProposalID, *e.ChoiceIndex, e.Confidence)
		} else {
			fmt.Printf("decision proposal=%s abstain reason=%s\n", e.ProposalID, e.Reasoning)
		}
	}

	tracker, err := activity.LoadTracker(store)
	if err != nil {
		fail(err)
	}
	if tracker.LastActivityDate != "" {
		fmt.Printf("last_activity_date=%s\n", tracker.LastActivityDate)
	}
	if tracker.LastTxHash != "" {
		fmt.Printf("last_tx_hash=%s\n", tracker.LastTxHash)
	}
	os.Exit(exitOK)
}

func cmdValidateConfig(args []string) {
	configPath, _ := parseCommon(args)
	cfg := loadConfig(configPath)

	// Secrets are validated for presence only; the file never holds them.
	if cfg.Execution.Path != config.PathDryRun && config.Secret(cfg.Execution.PrivateKeyEnv) == "" {
		fail(&config.Error{Field: "execution.private_key_env", Msg: fmt.Sprintf("env var %s is not set", cfg.Execution.PrivateKeyEnv)})
	}
	if config.Secret(cfg.AI.APIKeyEnv) == "" {
		fail(&config.Error{Field: "ai.api_key_env", Msg: fmt.Sprintf("env var %s is not set", cfg.AI.APIKeyEnv)})
	}
	fmt.Printf("ok: %s\n", configPath)
	fmt.Printf("execution_path=%s\n", cfg.Execution.Path)
	fmt.Printf("spaces=%d\n", len(cfg.Spaces))
	os.Exit(exitOK)
}

func printRun(res *orchestrator.Result) {
	fmt.Printf("run_id=%s\n", res.Run.RunID)
	fmt.Printf("state=%s\n", res.Run.State)
	fmt.Printf("proposals_seen=%d\n", res.Run.Counters.ProposalsSeen)
	fmt.Printf("proposals_voted=%d\n", res.Run.Counters.ProposalsVoted)
	fmt.Printf("errors=%d\n", res.Run.Counters.Errors)
	for _, r := range res.Receipts {
		fmt.Printf("receipt proposal=%s outcome=%s ref=%s\n", r.ProposalID, r.Outcome, r.Ref)
	}
	if res.Warning != "" {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", res.Warning)
	}
}

// forceExitOnSecondSignal makes a second SIGINT/SIGTERM abandon the
// graceful path immediately.
func forceExitOnSecondSignal(ctx context.Context) {
	go func() {
		<-ctx.Done()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Fprintln(os.Stderr, "second signal received, exiting immediately")
		os.Exit(exitFatal)
	}()
}
