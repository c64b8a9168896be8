package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devblac/order-oracle/internal/config"
)

func TestSlackSenderRendersTemplate(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		got = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := NewSlackSender(server.URL, "FAILED {{.OrderIndex}} {{.Status}} {{short_addr .SubmitTxHash}}")
	if err != nil {
		t.Fatalf("sender: %v", err)
	}

	err = sender.Send(context.Background(), DispatchPayload{
		OrderIndex: "3", Status: "failed", SubmitTxHash: "0x1234567890abcdef",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if got == "" || !contains(got, "FAILED 3 failed 0x1234") {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestDefaultTemplate(t *testing.T) {
	var body map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer server.Close()

	sender, err := NewTeamsSender(server.URL, "")
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	err = sender.Send(context.Background(), DispatchPayload{
		Status: "failed", OrderIndex: "7", OrderID: "A7", EventKey: "0xab:1", Error: "reverted",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	want := "ORDER DISPATCH failed order 7 (A7) event 0xab:1: reverted"
	if body["text"] != want {
		t.Fatalf("text = %q, want %q", body["text"], want)
	}
}

func TestWebhookStatusFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, http.MethodPost, "msg", nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	err = sender.Send(context.Background(), DispatchPayload{Status: "failed"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 status error, got %v", err)
	}
}

func TestBuild(t *testing.T) {
	senders, err := Build([]config.Sink{
		{ID: "s", Type: "slack", WebhookURL: "http://example.invalid/s"},
		{ID: "t", Type: "teams", WebhookURL: "http://example.invalid/t"},
		{ID: "w", Type: "webhook", URL: "http://example.invalid/w", Method: "put"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(senders) != 3 {
		t.Fatalf("expected 3 senders, got %d", len(senders))
	}

	if _, err := Build([]config.Sink{{ID: "x", Type: "pager"}}); err == nil {
		t.Fatalf("expected unsupported type error")
	}
	if _, err := Build([]config.Sink{{ID: "w", Type: "webhook"}}); err == nil {
		t.Fatalf("expected missing url error")
	}
}

func contains(s, substr string) bool { return strings.Contains(s, substr) }
