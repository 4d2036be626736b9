package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/voterd/voterd/internal/governance"
	"github.com/voterd/voterd/internal/llm"
	"github.com/voterd/voterd/internal/prefs"
	"github.com/voterd/voterd/internal/statestore"
	"github.com/voterd/voterd/internal/transport"
)

// responseSchema gates the provider's JSON output before any field is
// trusted.
var responseSchema = statestore.MustCompileSchema(map[string]any{
	"type":     "object",
	"required": []any{"choice_label", "confidence", "risk", "reasoning"},
	"properties": map[string]any{
		"choice_label": map[string]any{"type": "string", "minLength": 1},
		"confidence":   map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"risk":         map[string]any{"type": "string", "enum": []any{"low", "medium", "high"}},
		"reasoning":    map[string]any{"type": "string", "maxLength": 2000},
		"key_factors": map[string]any{
			"type":     "array",
			"maxItems": 8,
			"items":    map[string]any{"type": "string", "maxLength": 200},
		},
	},
	"additionalProperties": false,
})

type providerAnswer struct {
	ChoiceLabel string    `json:"choice_label"`
	Confidence  float64   `json:"confidence"`
	Risk        RiskLevel `json:"risk"`
	Reasoning   string    `json:"reasoning"`
	KeyFactors  []string  `json:"key_factors"`
}

type Engine struct {
	Client      *llm.Client
	Model       string
	MaxTokens   int
	Timeout     time.Duration
	MaxAttempts int
	Backoff     transport.BackoffConfig
	Logger      *log.Logger
}

func NewEngine(client *llm.Client, model string, maxTokens int, timeout time.Duration, logger *log.Logger) *Engine {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		Client:      client,
		Model:       model,
		MaxTokens:   maxTokens,
		Timeout:     timeout,
		MaxAttempts: 3,
		Backoff:     transport.DefaultBackoff(),
		Logger:      logger,
	}
}

// Decide evaluates one proposal under the strategy posture. Transport
// failures are retried with backoff; a schema-violating answer earns one
// stricter re-prompt; anything still failing becomes a provider_error
// abstention. Decide itself only errors on context cancellation.
func (e *Engine) Decide(ctx context.Context, p *governance.Proposal, strategy prefs.Strategy, threshold float64) (Result, error) {
	abstain := func(reason AbstainReason, detail string) Result {
		return Result{Abstain: &Abstention{
			ProposalID: p.ID,
			Reason:     reason,
			Detail:     detail,
			Strategy:   strategy,
		}}
	}

	answer, err := e.ask(ctx, p, strategy, false)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		var sv *schemaViolation
		if errors.As(err, &sv) {
			e.Logger.Printf("WARN provider answer failed schema for proposal %s, re-prompting strictly: %v", p.ID, sv.err)
			answer, err = e.ask(ctx, p, strategy, true)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return abstain(AbstainProviderError, err.Error()), nil
	}

	idx, ok := mapChoice(p.Choices, answer.ChoiceLabel)
	if !ok {
		return abstain(AbstainUnmappable, fmt.Sprintf("choice %q not among proposal choices", answer.ChoiceLabel)), nil
	}

	floor := EffectiveThreshold(strategy, threshold)
	if answer.Confidence < floor {
		r := abstain(AbstainBelowThreshold, fmt.Sprintf("confidence %.2f below threshold %.2f", answer.Confidence, floor))
		r.Abstain.Confidence = answer.Confidence
		r.Abstain.Risk = answer.Risk
		return r, nil
	}
	if !RiskAcceptable(strategy, answer.Risk) {
		r := abstain(AbstainRiskExceeds, fmt.Sprintf("risk %s exceeds %s tolerance", answer.Risk, strategy))
		r.Abstain.Confidence = answer.Confidence
		r.Abstain.Risk = answer.Risk
		return r, nil
	}

	return Result{Decision: &VoteDecision{
		ProposalID:  p.ID,
		ChoiceIndex: idx,
		ChoiceLabel: p.Choices[idx-1],
		Confidence:  answer.Confidence,
		Risk:        answer.Risk,
		Reasoning:   answer.Reasoning,
		KeyFactors:  answer.KeyFactors,
		Strategy:    strategy,
	}}, nil
}

// schemaViolation separates malformed answers (re-promptable) from
// transport failures (retried by the backoff loop).
type schemaViolation struct {
	err error
}

func (e *schemaViolation) Error() string { return "provider answer violates schema: " + e.err.Error() }
func (e *schemaViolation) Unwrap() error { return e.err }

func (e *Engine) ask(ctx context.Context, p *governance.Proposal, strategy prefs.Strategy, strict bool) (*providerAnswer, error) {
	var answer *providerAnswer
	seed := fmt.Sprintf("decide:%s:%v", p.ID, strict)
	err := transport.Retry(ctx, e.MaxAttempts, e.Backoff, seed, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, e.Timeout)
		defer cancel()
		resp, err := e.Client.Complete(cctx, llm.Request{
			Model:     e.Model,
			System:    BuildSystemPrompt(strategy, strict),
			User:      BuildUserPrompt(p),
			MaxTokens: e.MaxTokens,
		})
		if err != nil {
			return err
		}
		parsed, perr := parseAnswer(resp.Text)
		if perr != nil {
			// Malformed output is not a transport failure: surface it for the
			// single strict re-prompt instead of burning retry budget.
			answer = nil
			return &schemaViolation{err: perr}
		}
		answer = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return answer, nil
}

func parseAnswer(text string) (*providerAnswer, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	if err := responseSchema.Validate(decoded); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, fmt.Errorf("%s", verr.Error())
		}
		return nil, err
	}
	var answer providerAnswer
	if err := json.Unmarshal([]byte(raw), &answer); err != nil {
		return nil, err
	}
	return &answer, nil
}

// extractJSONObject pulls the first balanced top-level JSON object out
// of the text, tolerating markdown fences and surrounding prose.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// mapChoice resolves a label to its 1-based index with case-insensitive
// exact matching.
func mapChoice(choices []string, label string) (int, bool) {
	want := strings.TrimSpace(label)
	for i, c := range choices {
		if strings.EqualFold(strings.TrimSpace(c), want) {
			return i + 1, true
		}
	}
	return 0, false
}
