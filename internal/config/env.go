package config

import (
	"os"
	"strconv"
	"strings"
)

// envPrefix is the namespaced form the deployment platform injects.
// When both the prefixed and the bare variable are set, prefixed wins.
const envPrefix = "CONNECTION_CONFIGS_CONFIG_"

// LookupEnv resolves name with the platform prefix taking precedence
// over the bare variable.
func LookupEnv(name string) (string, bool) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		return v, true
	}
	return os.LookupEnv(name)
}

// Secret reads the env var named by envName through LookupEnv and trims
// whitespace. Empty values count as unset.
func Secret(envName string) string {
	v, _ := LookupEnv(strings.TrimSpace(envName))
	return strings.TrimSpace(v)
}

// applyEnvOverrides lets deployment env vars override the handful of
// file settings that differ per environment.
func applyEnvOverrides(cfg *Config) {
	if v, ok := LookupEnv("STORE_ROOT"); ok && strings.TrimSpace(v) != "" {
		cfg.Store.Root = strings.TrimSpace(v)
	}
	if v, ok := LookupEnv("SNAPSHOT_HUB_URL"); ok && strings.TrimSpace(v) != "" {
		cfg.Endpoints.SnapshotHub = strings.TrimSpace(v)
	}
	if v, ok := LookupEnv("SNAPSHOT_SEQUENCER_URL"); ok && strings.TrimSpace(v) != "" {
		cfg.Endpoints.SnapshotSequencer = strings.TrimSpace(v)
	}
	if v, ok := LookupEnv("SAFE_TX_SERVICE_URL"); ok && strings.TrimSpace(v) != "" {
		cfg.Endpoints.SafeTxService = strings.TrimSpace(v)
	}
	if v, ok := LookupEnv("EXECUTION_PATH"); ok {
		switch p := ExecutionPath(strings.ToLower(strings.TrimSpace(v))); p {
		case PathEOA, PathSafe, PathDryRun:
			cfg.Execution.Path = p
		}
	}
	if v, ok := LookupEnv("POLL_INTERVAL_S"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.Schedule.PollIntervalS = n
		}
	}
	if v, ok := LookupEnv("SERVER_ADDR"); ok && strings.TrimSpace(v) != "" {
		cfg.Server.Addr = strings.TrimSpace(v)
	}
}
