package models

import "testing"

func TestPrincipalKey(t *testing.T) {
	var nilPrincipal *Principal
	if got := nilPrincipal.Key(); got != "unknown" {
		t.Fatalf("nil principal key = %q", got)
	}
	p := &Principal{ID: "abc", Email: "a@example.com"}
	if got := p.Key(); got != "a@example.com" {
		t.Fatalf("expected email fallback, got %q", got)
	}
	p.Username = "alice@example.com"
	if got := p.Key(); got != "alice@example.com" {
		t.Fatalf("expected username, got %q", got)
	}
	if got := p.DisplayName(); got != "alice@example.com" {
		t.Fatalf("display name fallback = %q", got)
	}
	p.Name = "Alice"
	if got := p.DisplayName(); got != "Alice" {
		t.Fatalf("display name = %q", got)
	}
}

func TestMessageIsError(t *testing.T) {
	if !(Message{Role: RoleError}).IsError() {
		t.Fatal("error role not reported")
	}
	if (Message{Role: RoleAssistant}).IsError() {
		t.Fatal("assistant reported as error")
	}
}
