package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kestrelworks/foreman/internal/domain"
)

func TestHTTPInvokerRoundTrip(t *testing.T) {
	var gotPath, gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSession = r.Header.Get("X-Session-ID")

		var req domain.WorkerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.RequestText != "add retry budget" {
			t.Errorf("unexpected request text: %q", req.RequestText)
		}

		json.NewEncoder(w).Encode(domain.WorkerOutcome{
			Outcome: domain.OutcomeCompleted,
			Note:    "retry budget wired through",
		})
	}))
	defer srv.Close()

	invoker := NewHTTPInvoker(srv.URL, 0)
	outcome, err := invoker.Invoke(context.Background(), &domain.WorkerRequest{
		SessionID:   "s1",
		GroupID:     "g1",
		Stage:       domain.StageImplement,
		RequestText: "add retry budget",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if outcome.Outcome != domain.OutcomeCompleted || outcome.Note == "" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if gotPath != "/invoke/implement" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotSession != "s1" {
		t.Fatalf("unexpected session header: %s", gotSession)
	}
}

func TestHTTPInvokerReportsTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "worker crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	invoker := NewHTTPInvoker(srv.URL, 0)
	_, err := invoker.Invoke(context.Background(), &domain.WorkerRequest{
		SessionID: "s1",
		GroupID:   "g1",
		Stage:     domain.StageVerify,
	})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}

	// Unreachable host is a transport error too.
	invoker = NewHTTPInvoker("http://127.0.0.1:1", 0)
	_, err = invoker.Invoke(context.Background(), &domain.WorkerRequest{
		SessionID: "s1",
		GroupID:   "g1",
		Stage:     domain.StageVerify,
	})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error for unreachable host, got %v", err)
	}
}

func TestHTTPInvokerTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	invoker := NewHTTPInvoker(srv.URL, 50*time.Millisecond)
	_, err := invoker.Invoke(context.Background(), &domain.WorkerRequest{
		SessionID: "s1",
		GroupID:   "g1",
		Stage:     domain.StageImplement,
	})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error on timeout, got %v", err)
	}
}
