package llm

import (
	"context"
	"errors"
	"testing"
)

type fakeAdapter struct {
	name string
	resp Response
	got  *Request
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Complete(_ context.Context, req Request) (Response, error) {
	f.got = &req
	return f.resp, nil
}

func TestClient_RoutesToDefaultProvider(t *testing.T) {
	c := NewClient()
	fa := &fakeAdapter{name: "anthropic", resp: Response{Text: "ok"}}
	c.Register(fa)

	resp, err := c.Complete(context.Background(), Request{Model: "m", User: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("text = %q", resp.Text)
	}
	if fa.got == nil || fa.got.Provider != "anthropic" {
		t.Fatalf("provider not normalized onto request: %+v", fa.got)
	}
}

func TestClient_UnknownProvider(t *testing.T) {
	c := NewClient()
	c.Register(&fakeAdapter{name: "anthropic"})
	_, err := c.Complete(context.Background(), Request{Provider: "nonesuch", Model: "m", User: "hi"})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestClient_ValidatesRequest(t *testing.T) {
	c := NewClient()
	c.Register(&fakeAdapter{name: "anthropic"})
	if _, err := c.Complete(context.Background(), Request{User: "hi"}); err == nil {
		t.Fatal("expected error for missing model")
	}
	if _, err := c.Complete(context.Background(), Request{Model: "m"}); err == nil {
		t.Fatal("expected error for missing user prompt")
	}
}
