package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestExecuteTransactionPostsInvocation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/transactions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var inv Invocation
		if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if inv.Contract != "token" || inv.Function != "transfer" || len(inv.Args) != 2 {
			t.Errorf("unexpected invocation %+v", inv)
		}
		_ = json.NewEncoder(w).Encode(TransactionResult{Hash: "0xabc", Nonce: 7})
	})

	result, err := client.ExecuteTransaction(context.Background(), Invocation{
		Contract: "token",
		Function: "transfer",
		Args:     []any{"0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC", "5"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Hash != "0xabc" || result.Nonce != 7 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestAPIErrorDecodesBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotAcceptable)
		_, _ = w.Write([]byte(`{"code":"UNKNOWN_ACCOUNT","message":"account bob is not registered"}`))
	})

	_, err := client.ExecuteCall(context.Background(), Invocation{Account: "bob", Contract: "token", Function: "balanceOf"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotAcceptable || apiErr.Code != "UNKNOWN_ACCOUNT" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestQueryParameters(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/contracts":
			if r.URL.Query().Get("account") != "alice" {
				t.Errorf("missing account query: %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"account":"alice","contracts":["token"]}`))
		case "/api/v1/submissions":
			if r.URL.Query().Get("limit") != "3" {
				t.Errorf("missing limit query: %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"submissions":[{"id":"s-1","stage":"confirmed"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	contracts, err := client.ListContracts(context.Background(), "alice")
	if err != nil || len(contracts) != 1 || contracts[0] != "token" {
		t.Fatalf("unexpected contracts %v (%v)", contracts, err)
	}
	subs, err := client.ListSubmissions(context.Background(), 3)
	if err != nil || len(subs) != 1 || subs[0].Stage != "confirmed" {
		t.Fatalf("unexpected submissions %v (%v)", subs, err)
	}
}

func TestHealthDegraded(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded","chains":[],"errors":{"sepolia":"dial timeout"}}`))
	})

	health, err := client.Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 APIError, got %v", err)
	}
	if health.Status != "degraded" || health.Errors["sepolia"] == "" {
		t.Fatalf("unexpected health %+v", health)
	}
}
