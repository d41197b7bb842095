package ledger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
)

func newTestClient(baseURL string) *Client {
	c := NewClient(baseURL, "test-key")
	c.newBackoff = func() retry.Backoff {
		return retry.WithMaxRetries(maxRetries, retry.NewConstant(time.Millisecond))
	}
	return c
}

func TestFetchBalance_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/balances/owner-1" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("authorization = %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(balancePayload{Balance: 120})
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	balance, err := client.FetchBalance(ctx, "owner-1")
	if err != nil {
		t.Fatalf("FetchBalance error: %v", err)
	}
	if balance != 120 {
		t.Fatalf("balance = %d, want 120", balance)
	}
}

func TestFetchBalance_UnknownOwnerIsZero(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	balance, err := client.FetchBalance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("FetchBalance error: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance = %d, want 0", balance)
	}
}

func TestPushBalance_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		if r.Method != http.MethodPut {
			t.Fatalf("method = %s, want PUT", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		var payload balancePayload
		if err := json.Unmarshal(body, &payload); err != nil || payload.Balance != 164 {
			t.Fatalf("body = %s", body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	if err := client.PushBalance(context.Background(), "owner-1", 164); err != nil {
		t.Fatalf("PushBalance error: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestPushBalance_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	if err := client.PushBalance(context.Background(), "owner-1", 10); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if calls.Load() != maxRetries+1 {
		t.Fatalf("calls = %d, want %d", calls.Load(), maxRetries+1)
	}
}

func TestPushBalance_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	if err := client.PushBalance(context.Background(), "owner-1", 10); err == nil {
		t.Fatal("expected error on 400")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (no retries)", calls.Load())
	}
}

func TestNotify_TemplateSubstitution(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload notifyPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.OwnerToken != "owner-1" {
			t.Fatalf("ownerToken = %q", payload.OwnerToken)
		}
		if payload.Message != "Vous avez gagné 44 points de fidélité" {
			t.Fatalf("message = %q", payload.Message)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	if err := client.Notify(context.Background(), "owner-1", 44); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
}

func TestClientNotConfigured(t *testing.T) {
	var c *Client
	if _, err := c.FetchBalance(context.Background(), "x"); err == nil {
		t.Fatal("nil client must report configuration error")
	}
}
