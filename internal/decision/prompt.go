package decision

import (
	"fmt"
	"strings"

	"github.com/voterd/voterd/internal/governance"
	"github.com/voterd/voterd/internal/prefs"
)

// maxBodyBytes bounds the proposal body embedded in the prompt. Bodies
// over the bound are cut at a rune boundary and marked.
const maxBodyBytes = 8 * 1024

const truncationMarker = "…[truncated]"

var postures = map[prefs.Strategy]string{
	prefs.StrategyConservative: "You are a conservative voter. Only support proposals with " +
		"clear, low-risk benefit to the DAO. When in doubt, or when a proposal carries any " +
		"meaningful downside, recommend abstaining by reporting low confidence.",
	prefs.StrategyBalanced: "You are a balanced voter. Weigh benefits against risks and " +
		"support proposals whose expected value is positive. Accept moderate risk when the " +
		"upside justifies it.",
	prefs.StrategyAggressive: "You are an aggressive voter. Favor action over inaction and " +
		"support growth-oriented proposals even at elevated risk, as long as they are not " +
		"obviously harmful.",
}

const systemPrompt = `You evaluate DAO governance proposals and respond with a single JSON object, no prose, no markdown fences.

The JSON object must have exactly these fields:
  "choice_label": one of the proposal's choices, copied verbatim
  "confidence": number between 0 and 1
  "risk": "low", "medium", or "high"
  "reasoning": a short paragraph (at most 1000 characters)
  "key_factors": an array of at most 8 short strings

%s`

const strictReminder = `

Your previous answer did not conform. Respond again with ONLY the JSON object described above. Do not include any text before or after it.`

// BuildSystemPrompt returns the system prompt for the strategy; strict
// appends the re-prompt suffix used after a schema violation.
func BuildSystemPrompt(strategy prefs.Strategy, strict bool) string {
	posture := postures[strategy]
	if posture == "" {
		posture = postures[prefs.StrategyBalanced]
	}
	out := fmt.Sprintf(systemPrompt, posture)
	if strict {
		out += strictReminder
	}
	return out
}

// BuildUserPrompt renders the proposal for evaluation.
func BuildUserPrompt(p *governance.Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Space: %s\n", p.SpaceID)
	fmt.Fprintf(&b, "Proposal: %s\n", p.Title)
	fmt.Fprintf(&b, "Choices: %s\n", strings.Join(p.Choices, " | "))
	fmt.Fprintf(&b, "Voting closes at unix time %d.\n\n", p.End)
	b.WriteString(truncateBody(p.Body))
	return b.String()
}

func truncateBody(body string) string {
	if len(body) <= maxBodyBytes {
		return body
	}
	cut := maxBodyBytes
	// Back off to a rune boundary so the cut never splits a code point.
	for cut > 0 && (body[cut]&0xC0) == 0x80 {
		cut--
	}
	return body[:cut] + truncationMarker
}
