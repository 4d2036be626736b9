package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voterd/voterd/internal/transport"
)

func TestActiveProposals_DecodesRecords(t *testing.T) {
	var gotVars map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotVars = req.Variables
		_, _ = w.Write([]byte(`{"data":{"proposals":[{
			"id":"0x21ea31e896ec5b5a49a3653e51e787ee834aefd57169ee0b710dfd1e8cf9c26d",
			"title":"Fund grants",
			"body":"round 4",
			"choices":["For","Against","Abstain"],
			"scores":[120.5,30,7],
			"start":1700000000,
			"end":1700086400,
			"state":"active",
			"author":"0x1111111111111111111111111111111111111111",
			"space":{"id":"aave.eth"}
		}]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, 5*time.Second)
	got, err := c.ActiveProposals(context.Background(), []string{"aave.eth"}, 5)
	if err != nil {
		t.Fatalf("ActiveProposals: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d proposals, want 1", len(got))
	}
	p := got[0]
	if p.ID != "0x21ea31e896ec5b5a49a3653e51e787ee834aefd57169ee0b710dfd1e8cf9c26d" {
		t.Fatalf("unexpected id %q", p.ID)
	}
	if p.SpaceID != "aave.eth" {
		t.Fatalf("space = %q, want aave.eth", p.SpaceID)
	}
	if len(p.Choices) != 3 || p.Choices[0] != "For" {
		t.Fatalf("unexpected choices %v", p.Choices)
	}
	if p.TotalScore() != 157.5 {
		t.Fatalf("total score = %v, want 157.5", p.TotalScore())
	}
	if gotVars["first"] != float64(5) {
		t.Fatalf("first variable = %v, want 5", gotVars["first"])
	}
}

func TestActiveProposals_GraphQLErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"unknown field scores2"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, 5*time.Second)
	if _, err := c.ActiveProposals(context.Background(), []string{"x.eth"}, 5); err == nil {
		t.Fatal("expected error for GraphQL errors payload")
	}
}

func TestActiveProposals_RateLimitIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, 5*time.Second)
	_, err := c.ActiveProposals(context.Background(), []string{"x.eth"}, 5)
	if !transport.IsRetryable(err) {
		t.Fatalf("429 should be retryable, got %v", err)
	}
	var te transport.Error
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error, got %T", err)
	}
	if ra := te.RetryAfter(); ra == nil || *ra != 2*time.Second {
		t.Fatalf("retry-after = %v, want 2s", ra)
	}
}

func TestSubmitVote_ValidationRejectionNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"wrong signature"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, 5*time.Second)
	_, err := c.SubmitVote(context.Background(), map[string]any{"address": "0x11"})
	if !transport.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitVote_ReturnsReceiptID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"0xreceipt"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, 5*time.Second)
	id, err := c.SubmitVote(context.Background(), map[string]any{"address": "0x11"})
	if err != nil {
		t.Fatalf("SubmitVote: %v", err)
	}
	if id != "0xreceipt" {
		t.Fatalf("receipt id = %q", id)
	}
}
