package filter

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/voterd/voterd/internal/governance"
	"github.com/voterd/voterd/internal/prefs"
)

var testNow = time.Unix(1_700_000_000, 0)

func active(id string, endOffset int64) governance.Proposal {
	return governance.Proposal{
		ID:    id,
		State: governance.ProposalActive,
		End:   testNow.Unix() + endOffset,
	}
}

func basePrefs(cap int) prefs.UserPreferences {
	p := prefs.Default()
	p.MaxProposalsPerRun = cap
	return p
}

func ids(props []governance.Proposal) []string {
	out := make([]string, 0, len(props))
	for _, p := range props {
		out = append(out, p.ID)
	}
	return out
}

func equalIDs(a []string, b ...string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOrdersByTimeToClose(t *testing.T) {
	// P1 closes in 1h, P2 in 2h, P3 in 30m: closest first.
	got := Candidates([]governance.Proposal{
		active("P1", 3600),
		active("P2", 7200),
		active("P3", 1800),
	}, basePrefs(3), testNow)
	if !equalIDs(ids(got), "P3", "P1", "P2") {
		t.Fatalf("order = %v, want [P3 P1 P2]", ids(got))
	}
}

func TestDropsInactiveAndExpired(t *testing.T) {
	closed := active("C", 3600)
	closed.State = governance.ProposalClosed
	pending := active("D", 3600)
	pending.State = governance.ProposalPending
	got := Candidates([]governance.Proposal{
		closed,
		pending,
		active("E", -10), // already ended
		active("F", 3600),
	}, basePrefs(5), testNow)
	if !equalIDs(ids(got), "F") {
		t.Fatalf("got %v, want only F", ids(got))
	}
}

func TestDenyListDropsAuthor(t *testing.T) {
	denied := active("P1", 3600)
	denied.Author = common.HexToAddress("0xdead00000000000000000000000000000000dead")
	ok := active("P2", 3600)
	ok.Author = common.HexToAddress("0x1111111111111111111111111111111111111111")

	p := basePrefs(5)
	p.DenyList = []string{"0xDEAD00000000000000000000000000000000DEAD"}
	got := Candidates([]governance.Proposal{denied, ok}, p, testNow)
	if !equalIDs(ids(got), "P2") {
		t.Fatalf("got %v, want only P2", ids(got))
	}
}

func TestWhitelistedPartitionFirst(t *testing.T) {
	fav := active("LATE", 9000)
	fav.Author = common.HexToAddress("0x1111111111111111111111111111111111111111")
	soon := active("SOON", 600)

	p := basePrefs(5)
	p.AllowList = []string{"0x1111111111111111111111111111111111111111"}
	got := Candidates([]governance.Proposal{soon, fav}, p, testNow)
	// Whitelisted sorts ahead even though it closes later.
	if !equalIDs(ids(got), "LATE", "SOON") {
		t.Fatalf("got %v, want [LATE SOON]", ids(got))
	}
}

func TestScoreAndIDTieBreaks(t *testing.T) {
	a := active("B", 3600)
	a.Scores = []float64{100}
	b := active("A", 3600)
	b.Scores = []float64{100}
	c := active("C", 3600)
	c.Scores = []float64{500}
	got := Candidates([]governance.Proposal{a, b, c}, basePrefs(3), testNow)
	// Same closing time: higher weight first, then id lexicographic.
	if !equalIDs(ids(got), "C", "A", "B") {
		t.Fatalf("got %v, want [C A B]", ids(got))
	}
}

func TestCapTruncates(t *testing.T) {
	got := Candidates([]governance.Proposal{
		active("P1", 1000), active("P2", 2000), active("P3", 3000), active("P4", 4000),
	}, basePrefs(2), testNow)
	if len(got) != 2 {
		t.Fatalf("got %d proposals, want 2", len(got))
	}
}

func TestIdempotentAtFixedNow(t *testing.T) {
	in := []governance.Proposal{active("P1", 3600), active("P2", 1800), active("P3", 7200)}
	p := basePrefs(2)
	once := Candidates(in, p, testNow)
	twice := Candidates(once, p, testNow)
	if !equalIDs(ids(once), ids(twice)...) {
		t.Fatalf("filter not idempotent: %v vs %v", ids(once), ids(twice))
	}
}
