// Package snapshot talks to the Snapshot hub: GraphQL reads for
// proposals and envelope submission to the sequencer for votes.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/voterd/voterd/internal/governance"
	"github.com/voterd/voterd/internal/transport"
)

const service = "snapshot"

// Fetcher is the read surface the orchestrator consumes. The concrete
// Client implements it; tests substitute fakes.
type Fetcher interface {
	ActiveProposals(ctx context.Context, spaceIDs []string, first int) ([]governance.Proposal, error)
}

// Submitter posts a signed vote envelope to the sequencer.
type Submitter interface {
	SubmitVote(ctx context.Context, envelope any) (id string, err error)
}

type Client struct {
	HubURL       string // GraphQL endpoint, e.g. https://hub.snapshot.org/graphql
	SequencerURL string // envelope endpoint, e.g. https://seq.snapshot.org
	HTTPClient   *http.Client
	Timeout      time.Duration
}

func NewClient(hubURL, sequencerURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		HubURL:       strings.TrimRight(strings.TrimSpace(hubURL), "/"),
		SequencerURL: strings.TrimRight(strings.TrimSpace(sequencerURL), "/"),
		// Rely on per-request context deadlines, not a client-level timeout.
		HTTPClient: &http.Client{Timeout: 0},
		Timeout:    timeout,
	}
}

const proposalsQuery = `query Proposals($spaces: [String!], $first: Int!) {
  proposals(where: {space_in: $spaces, state: "active"}, first: $first, orderBy: "end", orderDirection: asc) {
    id
    title
    body
    choices
    scores
    start
    end
    state
    author
    space { id }
  }
}`

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type proposalWire struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Choices []string  `json:"choices"`
	Scores  []float64 `json:"scores"`
	Start   int64     `json:"start"`
	End     int64     `json:"end"`
	State   string    `json:"state"`
	Author  string    `json:"author"`
	Space   struct {
		ID string `json:"id"`
	} `json:"space"`
}

// ActiveProposals fetches open proposals for the given spaces, capped at
// first records.
func (c *Client) ActiveProposals(ctx context.Context, spaceIDs []string, first int) ([]governance.Proposal, error) {
	if first <= 0 {
		first = 20
	}
	body, err := json.Marshal(gqlRequest{
		Query:     proposalsQuery,
		Variables: map[string]any{"spaces": spaceIDs, "first": first},
	})
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.HubURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, transport.WrapNetworkError(service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ra := transport.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		msg := fmt.Sprintf("proposals query failed: %s", strings.TrimSpace(string(raw)))
		return nil, transport.FromHTTPStatus(service, resp.StatusCode, msg, ra)
	}

	var decoded struct {
		Data struct {
			Proposals []proposalWire `json:"proposals"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode proposals response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("proposals query rejected: %s", decoded.Errors[0].Message)
	}

	out := make([]governance.Proposal, 0, len(decoded.Data.Proposals))
	for _, w := range decoded.Data.Proposals {
		p := governance.Proposal{
			ID:      w.ID,
			SpaceID: w.Space.ID,
			Title:   w.Title,
			Body:    w.Body,
			Choices: w.Choices,
			Scores:  w.Scores,
			Start:   w.Start,
			End:     w.End,
			State:   governance.ProposalState(strings.ToLower(strings.TrimSpace(w.State))),
		}
		if common.IsHexAddress(w.Author) {
			p.Author = common.HexToAddress(w.Author)
		}
		out = append(out, p)
	}
	return out, nil
}

// SubmitVote posts a signed envelope to the sequencer and returns the
// sequencer receipt id when present.
func (c *Client) SubmitVote(ctx context.Context, envelope any) (string, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.SequencerURL+"/", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", transport.WrapNetworkError(service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ra := transport.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		msg := fmt.Sprintf("vote submission failed: %s", strings.TrimSpace(string(raw)))
		return "", transport.FromHTTPStatus(service, resp.StatusCode, msg, ra)
	}
	var receipt struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &receipt)
	return receipt.ID, nil
}
