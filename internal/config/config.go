// Package config loads and validates the agent configuration file plus
// its environment overrides. A Config is read once at startup and treated
// as immutable afterwards; secrets are referenced by env var name, never
// stored in the file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Error marks a configuration problem. The process maps it to exit
// code 2 at startup.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s", e.Msg)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

func cfgErr(field, format string, args ...any) error {
	return &Error{Field: field, Msg: fmt.Sprintf(format, args...)}
}

type ExecutionPath string

const (
	PathEOA    ExecutionPath = "eoa"
	PathSafe   ExecutionPath = "safe"
	PathDryRun ExecutionPath = "dry_run"
)

type SpaceConfig struct {
	ID       string `yaml:"id"`
	Governor string `yaml:"governor,omitempty"` // on-chain governor contract, Safe path only
	Chain    string `yaml:"chain,omitempty"`
}

type StoreConfig struct {
	Root                 string `yaml:"root"`
	MaxBackups           int    `yaml:"max_backups"`
	DecisionLogRetention int    `yaml:"decision_log_retention"`
	CheckpointRetention  int    `yaml:"checkpoint_retention"`
}

type ScheduleConfig struct {
	PollIntervalS     int `yaml:"poll_interval_s"`
	ShutdownGraceS    int `yaml:"shutdown_grace_s"`
	MaxProposalsFetch int `yaml:"max_proposals_fetch"`
}

type ExecutionConfig struct {
	Path          ExecutionPath `yaml:"path"`
	ChainID       int64         `yaml:"chain_id"`
	SafeAddress   string        `yaml:"safe_address,omitempty"`
	PrivateKeyEnv string        `yaml:"private_key_env"`
}

type EndpointsConfig struct {
	SnapshotHub       string            `yaml:"snapshot_hub"`
	SnapshotSequencer string            `yaml:"snapshot_sequencer"`
	SafeTxService     string            `yaml:"safe_tx_service,omitempty"`
	RPC               map[string]string `yaml:"rpc,omitempty"` // chain name -> endpoint
}

type AIConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url,omitempty"`
	MaxTokens int    `yaml:"max_tokens"`
}

type TimeoutsConfig struct {
	SnapshotMS int `yaml:"snapshot_ms"`
	AIMS       int `yaml:"ai_ms"`
	VoteMS     int `yaml:"vote_ms"`
	RPCMS      int `yaml:"rpc_ms"`
}

type ServerConfig struct {
	Addr              string `yaml:"addr"`
	UnhealthyAfterMin int    `yaml:"unhealthy_after_min"`
}

type Config struct {
	Version   int             `yaml:"version"`
	Store     StoreConfig     `yaml:"store"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Spaces    []SpaceConfig   `yaml:"spaces"`
	Execution ExecutionConfig `yaml:"execution"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	AI        AIConfig        `yaml:"ai"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Server    ServerConfig    `yaml:"server"`
}

// Load reads a YAML config file, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, cfgErr("", "read %s: %v", path, err)
	}
	return Parse(b)
}

// Parse decodes config bytes with unknown fields rejected.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := decodeYAMLStrict(b, &cfg); err != nil {
		return nil, cfgErr("", "%v", err)
	}
	applyConfigDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyConfigDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Store.Root == "" {
		cfg.Store.Root = "./state"
	}
	if cfg.Store.MaxBackups == 0 {
		cfg.Store.MaxBackups = 5
	}
	if cfg.Store.DecisionLogRetention == 0 {
		cfg.Store.DecisionLogRetention = 100
	}
	if cfg.Store.CheckpointRetention == 0 {
		cfg.Store.CheckpointRetention = 5
	}
	if cfg.Schedule.PollIntervalS == 0 {
		cfg.Schedule.PollIntervalS = 300
	}
	if cfg.Schedule.ShutdownGraceS == 0 {
		cfg.Schedule.ShutdownGraceS = 30
	}
	if cfg.Schedule.MaxProposalsFetch == 0 {
		cfg.Schedule.MaxProposalsFetch = 20
	}
	if cfg.Execution.Path == "" {
		cfg.Execution.Path = PathDryRun
	}
	if cfg.Execution.ChainID == 0 {
		cfg.Execution.ChainID = 1
	}
	if cfg.Execution.PrivateKeyEnv == "" {
		cfg.Execution.PrivateKeyEnv = "AGENT_PRIVATE_KEY"
	}
	if cfg.Endpoints.SnapshotHub == "" {
		cfg.Endpoints.SnapshotHub = "https://hub.snapshot.org/graphql"
	}
	if cfg.Endpoints.SnapshotSequencer == "" {
		cfg.Endpoints.SnapshotSequencer = "https://seq.snapshot.org"
	}
	if cfg.AI.Provider == "" {
		cfg.AI.Provider = "anthropic"
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = "claude-sonnet-4-20250514"
	}
	if cfg.AI.APIKeyEnv == "" {
		cfg.AI.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if cfg.AI.MaxTokens == 0 {
		cfg.AI.MaxTokens = 1024
	}
	if cfg.Timeouts.SnapshotMS == 0 {
		cfg.Timeouts.SnapshotMS = 30000
	}
	if cfg.Timeouts.AIMS == 0 {
		cfg.Timeouts.AIMS = 60000
	}
	if cfg.Timeouts.VoteMS == 0 {
		cfg.Timeouts.VoteMS = 30000
	}
	if cfg.Timeouts.RPCMS == 0 {
		cfg.Timeouts.RPCMS = 20000
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8643"
	}
	if cfg.Server.UnhealthyAfterMin == 0 {
		cfg.Server.UnhealthyAfterMin = 15
	}
	for i := range cfg.Spaces {
		cfg.Spaces[i].ID = strings.TrimSpace(cfg.Spaces[i].ID)
		cfg.Spaces[i].Governor = strings.TrimSpace(cfg.Spaces[i].Governor)
		cfg.Spaces[i].Chain = strings.TrimSpace(cfg.Spaces[i].Chain)
	}
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return cfgErr("", "config is nil")
	}
	if cfg.Version != 1 {
		return cfgErr("version", "unsupported config version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.Store.Root) == "" {
		return cfgErr("store.root", "is required")
	}
	if cfg.Store.MaxBackups < 1 {
		return cfgErr("store.max_backups", "must be >= 1")
	}
	if cfg.Store.DecisionLogRetention < 1 || cfg.Store.CheckpointRetention < 1 {
		return cfgErr("store", "retention limits must be >= 1")
	}
	if cfg.Schedule.PollIntervalS < 1 {
		return cfgErr("schedule.poll_interval_s", "must be >= 1")
	}
	if cfg.Schedule.ShutdownGraceS < 1 {
		return cfgErr("schedule.shutdown_grace_s", "must be >= 1")
	}
	if len(cfg.Spaces) == 0 {
		return cfgErr("spaces", "at least one space is required")
	}
	seen := map[string]bool{}
	for i, sp := range cfg.Spaces {
		if sp.ID == "" {
			return cfgErr(fmt.Sprintf("spaces[%d].id", i), "is required")
		}
		if seen[sp.ID] {
			return cfgErr(fmt.Sprintf("spaces[%d].id", i), "duplicate space %q", sp.ID)
		}
		seen[sp.ID] = true
		if sp.Governor != "" && !common.IsHexAddress(sp.Governor) {
			return cfgErr(fmt.Sprintf("spaces[%d].governor", i), "invalid address %q", sp.Governor)
		}
	}
	switch cfg.Execution.Path {
	case PathEOA, PathSafe, PathDryRun:
		// ok
	default:
		return cfgErr("execution.path", "invalid %q (want eoa|safe|dry_run)", cfg.Execution.Path)
	}
	if cfg.Execution.Path == PathSafe {
		if !common.IsHexAddress(cfg.Execution.SafeAddress) {
			return cfgErr("execution.safe_address", "invalid address %q", cfg.Execution.SafeAddress)
		}
		if strings.TrimSpace(cfg.Endpoints.SafeTxService) == "" {
			return cfgErr("endpoints.safe_tx_service", "is required when execution.path=safe")
		}
		for i, sp := range cfg.Spaces {
			if sp.Governor == "" {
				return cfgErr(fmt.Sprintf("spaces[%d].governor", i), "is required when execution.path=safe")
			}
		}
	}
	if cfg.Execution.ChainID < 1 {
		return cfgErr("execution.chain_id", "must be >= 1")
	}
	if cfg.AI.Provider != "anthropic" {
		return cfgErr("ai.provider", "unsupported provider %q", cfg.AI.Provider)
	}
	if cfg.Timeouts.SnapshotMS < 0 || cfg.Timeouts.AIMS < 0 || cfg.Timeouts.VoteMS < 0 || cfg.Timeouts.RPCMS < 0 {
		return cfgErr("timeouts", "must be >= 0")
	}
	if cfg.Server.UnhealthyAfterMin < 1 {
		return cfgErr("server.unhealthy_after_min", "must be >= 1")
	}
	return nil
}

// SpaceIDs returns the configured space ids in file order.
func (c *Config) SpaceIDs() []string {
	out := make([]string, 0, len(c.Spaces))
	for _, sp := range c.Spaces {
		out = append(out, sp.ID)
	}
	return out
}

// GovernorFor looks up the governor contract for a space; the empty
// address means none configured.
func (c *Config) GovernorFor(spaceID string) common.Address {
	for _, sp := range c.Spaces {
		if sp.ID == spaceID && sp.Governor != "" {
			return common.HexToAddress(sp.Governor)
		}
	}
	return common.Address{}
}
