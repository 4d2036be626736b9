package decision

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/voterd/voterd/internal/governance"
	"github.com/voterd/voterd/internal/llm"
	"github.com/voterd/voterd/internal/prefs"
	"github.com/voterd/voterd/internal/transport"
)

// scriptedAdapter returns canned responses (or errors) in order,
// repeating the last entry once the script runs out.
type scriptedAdapter struct {
	responses []string
	errs      []error
	calls     int
	lastReq   llm.Request
}

func (s *scriptedAdapter) Name() string { return "anthropic" }
func (s *scriptedAdapter) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	i := s.calls
	s.calls++
	s.lastReq = req
	if i < len(s.errs) && s.errs[i] != nil {
		return llm.Response{}, s.errs[i]
	}
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return llm.Response{Text: s.responses[i]}, nil
}

func testEngine(t *testing.T, adapter *scriptedAdapter) *Engine {
	t.Helper()
	c := llm.NewClient()
	c.Register(adapter)
	e := NewEngine(c, "test-model", 512, time.Second, log.New(os.Stderr, "[test] ", 0))
	e.Backoff = transport.BackoffConfig{InitialDelay: time.Millisecond, Factor: 1}
	return e
}

func proposal() *governance.Proposal {
	return &governance.Proposal{
		ID:      "0xabc",
		SpaceID: "aave.eth",
		Title:   "Fund security audit",
		Body:    "Allocate 50k for an audit.",
		Choices: []string{"For", "Against", "Abstain"},
		End:     time.Now().Unix() + 3600,
		State:   governance.ProposalActive,
	}
}

func answer(choice string, confidence float64, risk string) string {
	return fmt.Sprintf(`{"choice_label":%q,"confidence":%v,"risk":%q,"reasoning":"fine"}`, choice, confidence, risk)
}

func TestDecide_AcceptsConfidentLowRisk(t *testing.T) {
	a := &scriptedAdapter{responses: []string{answer("For", 0.82, "low")}}
	res, err := testEngine(t, a).Decide(context.Background(), proposal(), prefs.StrategyBalanced, 0.7)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Decision == nil {
		t.Fatalf("expected decision, got abstain %+v", res.Abstain)
	}
	if res.Decision.ChoiceIndex != 1 || res.Decision.ChoiceLabel != "For" {
		t.Fatalf("choice = %d %q", res.Decision.ChoiceIndex, res.Decision.ChoiceLabel)
	}
}

func TestDecide_BelowThresholdAbstains(t *testing.T) {
	a := &scriptedAdapter{responses: []string{answer("For", 0.64, "low")}}
	res, err := testEngine(t, a).Decide(context.Background(), proposal(), prefs.StrategyBalanced, 0.7)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Abstain == nil || res.Abstain.Reason != AbstainBelowThreshold {
		t.Fatalf("expected below_threshold abstain, got %+v", res)
	}
}

func TestDecide_ConservativeRejectsHighRisk(t *testing.T) {
	// High confidence does not rescue a high-risk call under conservative.
	a := &scriptedAdapter{responses: []string{answer("For", 0.95, "high")}}
	res, err := testEngine(t, a).Decide(context.Background(), proposal(), prefs.StrategyConservative, 0.7)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Abstain == nil || res.Abstain.Reason != AbstainRiskExceeds {
		t.Fatalf("expected risk_exceeds_strategy abstain, got %+v", res)
	}
}

func TestDecide_ConservativeFloorRaisesThreshold(t *testing.T) {
	// 0.72 passes the user threshold of 0.6 but not the conservative floor of 0.75.
	a := &scriptedAdapter{responses: []string{answer("For", 0.72, "low")}}
	res, err := testEngine(t, a).Decide(context.Background(), proposal(), prefs.StrategyConservative, 0.6)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Abstain == nil || res.Abstain.Reason != AbstainBelowThreshold {
		t.Fatalf("expected below_threshold abstain, got %+v", res)
	}
}

func TestDecide_AggressiveFloorLowersThreshold(t *testing.T) {
	a := &scriptedAdapter{responses: []string{answer("Against", 0.58, "high")}}
	res, err := testEngine(t, a).Decide(context.Background(), proposal(), prefs.StrategyAggressive, 0.9)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Decision == nil {
		t.Fatalf("aggressive min(0.9,0.55)=0.55 should accept 0.58, got %+v", res.Abstain)
	}
	if res.Decision.ChoiceIndex != 2 {
		t.Fatalf("choice index = %d, want 2", res.Decision.ChoiceIndex)
	}
}

func TestDecide_ChoiceMappingCaseInsensitive(t *testing.T) {
	a := &scriptedAdapter{responses: []string{answer("FOR", 0.9, "low")}}
	res, err := testEngine(t, a).Decide(context.Background(), proposal(), prefs.StrategyBalanced, 0.7)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Decision == nil || res.Decision.ChoiceLabel != "For" {
		t.Fatalf("expected case-insensitive map onto canonical label, got %+v", res)
	}
}

func TestDecide_UnmappableChoiceAbstains(t *testing.T) {
	a := &scriptedAdapter{responses: []string{answer("Maybe", 0.9, "low")}}
	res, err := testEngine(t, a).Decide(context.Background(), proposal(), prefs.StrategyBalanced, 0.7)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Abstain == nil || res.Abstain.Reason != AbstainUnmappable {
		t.Fatalf("expected unmappable abstain, got %+v", res)
	}
}

func TestDecide_SchemaViolationGetsOneStrictReprompt(t *testing.T) {
	a := &scriptedAdapter{responses: []string{
		`I think the answer is For!`, // no JSON at all
		answer("For", 0.85, "low"),
	}}
	res, err := testEngine(t, a).Decide(context.Background(), proposal(), prefs.StrategyBalanced, 0.7)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if a.calls != 2 {
		t.Fatalf("got %d calls, want 2 (original + strict re-prompt)", a.calls)
	}
	if !strings.Contains(a.lastReq.System, "previous answer did not conform") {
		t.Fatal("strict re-prompt suffix missing from second call")
	}
	if res.Decision == nil {
		t.Fatalf("expected decision after re-prompt, got %+v", res.Abstain)
	}
}

func TestDecide_PersistentSchemaViolationIsProviderError(t *testing.T) {
	a := &scriptedAdapter{responses: []string{`not json`, `still not json`}}
	res, err := testEngine(t, a).Decide(context.Background(), proposal(), prefs.StrategyBalanced, 0.7)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Abstain == nil || res.Abstain.Reason != AbstainProviderError {
		t.Fatalf("expected provider_error abstain, got %+v", res)
	}
}

func TestDecide_TransportErrorsRetriedThenAbstain(t *testing.T) {
	boom := transport.FromHTTPStatus("anthropic", 503, "overloaded", nil)
	a := &scriptedAdapter{errs: []error{boom, boom, boom}, responses: []string{answer("For", 0.9, "low")}}
	e := testEngine(t, a)
	e.MaxAttempts = 3
	res, err := e.Decide(context.Background(), proposal(), prefs.StrategyBalanced, 0.7)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if a.calls != 3 {
		t.Fatalf("got %d calls, want 3 (retry budget)", a.calls)
	}
	if res.Abstain == nil || res.Abstain.Reason != AbstainProviderError {
		t.Fatalf("expected provider_error after budget, got %+v", res)
	}
}

func TestDecide_RecoversAfterTransientFailure(t *testing.T) {
	boom := transport.FromHTTPStatus("anthropic", 500, "flaky", nil)
	a := &scriptedAdapter{errs: []error{boom, nil}, responses: []string{answer("For", 0.9, "low"), answer("For", 0.9, "low")}}
	res, err := testEngine(t, a).Decide(context.Background(), proposal(), prefs.StrategyBalanced, 0.7)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Decision == nil {
		t.Fatalf("expected decision after transient retry, got %+v", res.Abstain)
	}
}

func TestDecide_CancellationSurfaces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	boom := transport.FromHTTPStatus("anthropic", 503, "overloaded", nil)
	a := &scriptedAdapter{errs: []error{boom}}
	if _, err := testEngine(t, a).Decide(ctx, proposal(), prefs.StrategyBalanced, 0.7); err == nil {
		t.Fatal("expected context error to surface")
	}
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{`prose before {"a":{"b":"}"}} prose after`, `{"a":{"b":"}"}}`},
		{`no object here`, ``},
		{`{"unterminated":`, ``},
	}
	for _, tc := range cases {
		if got := extractJSONObject(tc.in); got != tc.want {
			t.Fatalf("extractJSONObject(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTruncateBody(t *testing.T) {
	long := strings.Repeat("a", maxBodyBytes+100)
	got := truncateBody(long)
	if !strings.HasSuffix(got, truncationMarker) {
		t.Fatal("expected truncation marker suffix")
	}
	if len(got) > maxBodyBytes+len(truncationMarker) {
		t.Fatalf("truncated body too long: %d", len(got))
	}
	short := "short body"
	if truncateBody(short) != short {
		t.Fatal("short body must pass through unchanged")
	}
}
