// Package prefs persists user voting preferences and enforces their
// bounds at save time.
package prefs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/voterd/voterd/internal/statestore"
)

type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyBalanced     Strategy = "balanced"
	StrategyAggressive   Strategy = "aggressive"
)

const (
	stateName = "user_preferences"
	// Bumped when the persisted shape changes; migrations are registered
	// against the store by RegisterMigrations.
	schemaVersion = 1
)

type UserPreferences struct {
	Strategy            Strategy `json:"voting_strategy"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	MaxProposalsPerRun  int      `json:"max_proposals_per_run"`
	AllowList           []string `json:"allow_list"`
	DenyList            []string `json:"deny_list"`
}

// Default is the posture used when nothing has been persisted yet.
func Default() UserPreferences {
	return UserPreferences{
		Strategy:            StrategyBalanced,
		ConfidenceThreshold: 0.7,
		MaxProposalsPerRun:  3,
		AllowList:           []string{},
		DenyList:            []string{},
	}
}

// Schema validates the persisted document shape. Bounds that need
// cross-field checks (allow/deny disjointness) are enforced in Validate.
var Schema = statestore.MustCompileSchema(map[string]any{
	"type":     "object",
	"required": []any{"voting_strategy", "confidence_threshold", "max_proposals_per_run"},
	"properties": map[string]any{
		"voting_strategy": map[string]any{
			"type": "string",
			"enum": []any{"conservative", "balanced", "aggressive"},
		},
		"confidence_threshold": map[string]any{
			"type":    "number",
			"minimum": 0,
			"maximum": 1,
		},
		"max_proposals_per_run": map[string]any{
			"type":    "integer",
			"minimum": 1,
			"maximum": 10,
		},
		"allow_list": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"deny_list": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"additionalProperties": false,
})

// Validate checks the cross-field invariants the JSON schema cannot
// express: addresses must parse and the allow and deny lists must be
// disjoint.
func (p *UserPreferences) Validate() error {
	switch p.Strategy {
	case StrategyConservative, StrategyBalanced, StrategyAggressive:
	default:
		return fmt.Errorf("invalid voting strategy %q", p.Strategy)
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold %v out of [0,1]", p.ConfidenceThreshold)
	}
	if p.MaxProposalsPerRun < 1 || p.MaxProposalsPerRun > 10 {
		return fmt.Errorf("max proposals per run %d out of [1,10]", p.MaxProposalsPerRun)
	}
	allow := map[string]bool{}
	for _, a := range p.AllowList {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("allow list entry %q is not an address", a)
		}
		allow[normalizeAddr(a)] = true
	}
	for _, d := range p.DenyList {
		if !common.IsHexAddress(d) {
			return fmt.Errorf("deny list entry %q is not an address", d)
		}
		if allow[normalizeAddr(d)] {
			return fmt.Errorf("address %s appears in both allow and deny lists", d)
		}
	}
	return nil
}

// Allows reports whether the author is explicitly whitelisted.
func (p *UserPreferences) Allows(author common.Address) bool {
	return containsAddr(p.AllowList, author)
}

// Denies reports whether the author is blacklisted.
func (p *UserPreferences) Denies(author common.Address) bool {
	return containsAddr(p.DenyList, author)
}

func containsAddr(list []string, addr common.Address) bool {
	for _, a := range list {
		if common.IsHexAddress(a) && common.HexToAddress(a) == addr {
			return true
		}
	}
	return false
}

func normalizeAddr(a string) string {
	return strings.ToLower(common.HexToAddress(a).Hex())
}

// Save persists the preferences after bounds checking.
func Save(store *statestore.Store, p UserPreferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := store.Save(stateName, &p, statestore.SaveOptions{
		Schema:  Schema,
		Version: schemaVersion,
	})
	return err
}

// Load reads the persisted preferences, falling back to backups when the
// primary file is damaged and to Default when nothing was ever saved.
// Any other failure (schema violation, unrecoverable corruption) is
// surfaced to the caller, who treats it as fatal.
func Load(store *statestore.Store) (UserPreferences, error) {
	var p UserPreferences
	err := store.Load(stateName, &p, statestore.LoadOptions{
		Schema:        Schema,
		TargetVersion: schemaVersion,
		AllowRecovery: true,
	})
	if errors.Is(err, statestore.ErrNotFound) {
		return Default(), nil
	}
	if err != nil {
		return UserPreferences{}, err
	}
	if verr := p.Validate(); verr != nil {
		return UserPreferences{}, &statestore.SchemaError{Name: stateName, Err: verr}
	}
	return p, nil
}
