package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookChatServiceRequiresEndpoint(t *testing.T) {
	if _, err := NewWebhookChatService(""); err == nil {
		t.Error("expected error without endpoint")
	}
}

func TestWebhookChatServiceSend(t *testing.T) {
	var got relayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(relayResponse{MessageID: "msg-42"})
	}))
	defer srv.Close()

	svc, err := NewWebhookChatService(srv.URL)
	if err != nil {
		t.Fatalf("NewWebhookChatService: %v", err)
	}
	id, err := svc.Send(context.Background(), "chat-1", "hello", SendOptions{ThreadID: "msg-1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "msg-42" {
		t.Errorf("message id = %q, want msg-42", id)
	}
	if got.ChatID != "chat-1" || got.Text != "hello" || got.ThreadID != "msg-1" {
		t.Errorf("relay request = %+v", got)
	}
}

func TestWebhookChatServiceRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(relayResponse{Error: "unknown chat"})
	}))
	defer srv.Close()

	svc, _ := NewWebhookChatService(srv.URL)
	_, err := svc.Send(context.Background(), "chat-x", "hello", SendOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRejected(err) {
		t.Errorf("4xx must classify as rejection, got %v", err)
	}
}

func TestWebhookChatServiceTransientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc, _ := NewWebhookChatService(srv.URL)
	_, err := svc.Send(context.Background(), "chat-1", "hello", SendOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsRejected(err) {
		t.Errorf("5xx must stay transient, got rejection: %v", err)
	}
}

func TestIsRejected(t *testing.T) {
	if IsRejected(nil) {
		t.Error("nil is not a rejection")
	}
	err := &RejectedError{Cause: context.Canceled}
	if !IsRejected(err) {
		t.Error("RejectedError must classify as rejection")
	}
}
