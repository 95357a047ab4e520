package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/fieldline/leadrelay/internal/autoreply"
	"github.com/fieldline/leadrelay/internal/outbound"
	"github.com/rs/zerolog"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*Gateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	gw, err := NewGateway(GatewayOpts{
		BaseURL: srv.URL, Token: "test-token", Name: "whatsapp",
		Rate: 1000, Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return gw, srv
}

func TestGateway_RequiresConfig(t *testing.T) {
	if _, err := NewGateway(GatewayOpts{Token: "x"}); err == nil {
		t.Error("expected error without base url")
	}
	if _, err := NewGateway(GatewayOpts{BaseURL: "http://gw"}); err == nil {
		t.Error("expected error without token")
	}
}

func TestGateway_Send(t *testing.T) {
	var gotAuth string
	var gotBody sendRequest
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/messages" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sendResponse{MessageID: "wamid.out.1"})
	})

	id, err := gw.Send(context.Background(), "+15551234567", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "wamid.out.1" {
		t.Errorf("message id = %q", id)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody.To != "+15551234567" || gotBody.Text != "hello" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestGateway_RetryableStatuses(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(sendResponse{Error: "nope"})
			})
			_, err := gw.Send(context.Background(), "+1555", "hi")
			var perr *outbound.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("error %v is not a ProviderError", err)
			}
			if perr.Retryable != tc.retryable {
				t.Errorf("Retryable = %v, want %v", perr.Retryable, tc.retryable)
			}
		})
	}
}

func TestGateway_MissingMessageID(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sendResponse{})
	})
	_, err := gw.Send(context.Background(), "+1555", "hi")
	var perr *outbound.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("error %v is not a ProviderError", err)
	}
	if perr.Retryable {
		t.Error("an accepted send without an id is not retryable")
	}
}

func TestGateway_ContextCanceledWhileWaiting(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
	}))
	t.Cleanup(srv.Close)
	gw, err := NewGateway(GatewayOpts{
		BaseURL: srv.URL, Token: "t", Rate: 0.001, Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	// Burn the single burst token so the next call has to wait.
	if _, err := gw.Send(context.Background(), "+1", "x"); err == nil {
		t.Log("first send consumed burst")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = gw.Send(ctx, "+1555", "hi")
	var perr *outbound.ProviderError
	if !errors.As(err, &perr) || !perr.Retryable {
		t.Errorf("canceled wait should be a retryable ProviderError, got %v", err)
	}
	if atomic.LoadInt64(&hits) > 1 {
		t.Errorf("request went out despite canceled context (hits=%d)", hits)
	}
}

func TestGeneratorClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.FirstContact || req.Text != "hi there" {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(generateResponse{Reply: "Welcome in!"})
	}))
	t.Cleanup(srv.Close)

	c, err := NewGeneratorClient(srv.URL, "", 0)
	if err != nil {
		t.Fatalf("NewGeneratorClient: %v", err)
	}
	reply, err := c.Generate(context.Background(), autoreply.GenerateRequest{
		ConversationID: 1, InboundText: "hi there", FirstContact: true,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "Welcome in!" {
		t.Errorf("reply = %q", reply)
	}
}

func TestGeneratorClient_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(generateResponse{Error: "overloaded"})
	}))
	t.Cleanup(srv.Close)

	c, _ := NewGeneratorClient(srv.URL, "", 0)
	if _, err := c.Generate(context.Background(), autoreply.GenerateRequest{InboundText: "hi"}); err == nil {
		t.Error("expected error from 500 response")
	}
}

func TestRetrievalClient_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(retrievalResponse{Found: true, Score: 0.83, Context: "opening hours"})
	}))
	t.Cleanup(srv.Close)

	c, err := NewRetrievalClient(srv.URL, "tok", 0)
	if err != nil {
		t.Fatalf("NewRetrievalClient: %v", err)
	}
	res, err := c.Query(context.Background(), "when are you open")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !res.Found || res.Score != 0.83 || res.Context != "opening hours" {
		t.Errorf("result = %+v", res)
	}
}
