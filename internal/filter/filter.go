// Package filter ranks and caps candidate proposals per user
// preferences. The filter is pure: the same (proposals, prefs, now)
// always yields the same output.
package filter

import (
	"sort"
	"time"

	"github.com/voterd/voterd/internal/governance"
	"github.com/voterd/voterd/internal/prefs"
)

// Candidates selects at most prefs.MaxProposalsPerRun proposals:
// inactive, expired, and deny-listed proposals are dropped; whitelisted
// authors sort ahead of everyone else; within each partition, closest to
// closing first, then highest total vote weight, then id.
func Candidates(proposals []governance.Proposal, p prefs.UserPreferences, now time.Time) []governance.Proposal {
	var whitelisted, other []governance.Proposal
	for _, prop := range proposals {
		if prop.State != governance.ProposalActive {
			continue
		}
		if prop.End <= now.Unix() {
			continue
		}
		if p.Denies(prop.Author) {
			continue
		}
		if p.Allows(prop.Author) {
			whitelisted = append(whitelisted, prop)
		} else {
			other = append(other, prop)
		}
	}
	rank(whitelisted, now)
	rank(other, now)

	out := append(whitelisted, other...)
	cap := p.MaxProposalsPerRun
	if cap < 1 {
		cap = 1
	}
	if len(out) > cap {
		out = out[:cap]
	}
	return out
}

func rank(props []governance.Proposal, now time.Time) {
	sort.SliceStable(props, func(i, j int) bool {
		ri, rj := props[i].RemainingAt(now), props[j].RemainingAt(now)
		if ri != rj {
			return ri < rj
		}
		si, sj := props[i].TotalScore(), props[j].TotalScore()
		if si != sj {
			return si > sj
		}
		return props[i].ID < props[j].ID
	})
}
