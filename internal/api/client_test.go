package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubCredentials struct {
	token     string
	clientID  string
	loggedOff bool
}

func (s *stubCredentials) AuthToken() string { return s.token }
func (s *stubCredentials) ClientID() string  { return s.clientID }
func (s *stubCredentials) Logoff() {
	s.loggedOff = true
	s.token = ""
}

func TestJSONAttachesHeadersAndDecodes(t *testing.T) {
	var seen http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	creds := &stubCredentials{token: "key-1", clientID: "client-1"}
	client := NewClient(server.URL, creds)

	var out struct {
		OK bool `json:"ok"`
	}
	if err := client.JSON(context.Background(), http.MethodGet, "/session/current.json", nil, &out); err != nil {
		t.Fatalf("JSON returned error: %v", err)
	}
	if !out.OK {
		t.Fatal("expected decoded response")
	}
	if got := seen.Get("User-Api-Key"); got != "key-1" {
		t.Fatalf("expected User-Api-Key header, got %q", got)
	}
	if got := seen.Get("User-Api-Client-Id"); got != "client-1" {
		t.Fatalf("expected User-Api-Client-Id header, got %q", got)
	}
	if got := seen.Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected JSON content type, got %q", got)
	}
	if seen.Get("User-Agent") == "" {
		t.Fatal("expected User-Agent header")
	}
}

func TestJSONForbiddenLogsOff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	creds := &stubCredentials{token: "key-1"}
	client := NewClient(server.URL, creds)

	err := client.JSON(context.Background(), http.MethodGet, "/session/current.json", nil, nil)
	if !errors.Is(err, ErrAuthRevoked) {
		t.Fatalf("expected ErrAuthRevoked, got %v", err)
	}
	if !creds.loggedOff {
		t.Fatal("expected Logoff to be invoked on 403")
	}
}

func TestJSONRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(server.URL, &stubCredentials{})
	err := client.JSON(context.Background(), http.MethodGet, "/latest.json", nil, nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestJSONUnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, &stubCredentials{})
	err := client.JSON(context.Background(), http.MethodGet, "/latest.json", nil, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", statusErr.StatusCode)
	}
}

func TestBackgroundRejectsNewRequests(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, &stubCredentials{})
	client.EnterBackground()
	if err := client.JSON(context.Background(), http.MethodGet, "/latest.json", nil, nil); err == nil {
		t.Fatal("expected error while backgrounded")
	}
	if requests != 0 {
		t.Fatalf("expected no network activity while backgrounded, saw %d requests", requests)
	}

	client.ExitBackground()
	if err := client.JSON(context.Background(), http.MethodGet, "/latest.json", nil, nil); err != nil {
		t.Fatalf("expected request to succeed after foregrounding: %v", err)
	}
	if requests != 1 {
		t.Fatalf("expected one request after foregrounding, saw %d", requests)
	}
}
