package subscription

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/priorauth/internal/platform/telemetry"
	"github.com/ehr/priorauth/internal/platform/websocket"
)

// ---------- fakes ----------

type fakeTransport struct {
	mu    sync.Mutex
	codes map[string]int
	err   error
	calls []string
}

func (f *fakeTransport) PostEmpty(_ context.Context, url string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if f.err != nil {
		return 0, f.err
	}
	if code, ok := f.codes[url]; ok {
		return code, nil
	}
	return http.StatusOK, nil
}

type failingLookup struct{}

func (failingLookup) Lookup(context.Context, string) (string, bool, error) {
	return "", false, errors.New("redis unavailable")
}

func seedSub(t *testing.T, repo *MemoryRepo, sub *Subscription) {
	t.Helper()
	if sub.Status == "" {
		sub.Status = StatusRequested
	}
	if err := repo.Create(context.Background(), sub); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
}

func statusOf(t *testing.T, repo *MemoryRepo, id string) *Subscription {
	t.Helper()
	sub, err := repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s) error: %v", id, err)
	}
	return sub
}

// ---------- rest-hook ----------

func TestDispatch_RestHook(t *testing.T) {
	repo := NewMemoryRepo()
	transport := &fakeTransport{codes: map[string]int{"https://b.example/hook": http.StatusInternalServerError}}
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	d := NewDispatcher(repo, transport, websocket.NewHub(), websocket.NewMemoryBindings(), metrics, zerolog.Nop())

	seedSub(t, repo, &Subscription{ID: "s-ok", ClaimResponseID: "cr-1", PatientID: "p-1", ChannelType: ChannelRestHook, Endpoint: "https://a.example/hook"})
	seedSub(t, repo, &Subscription{ID: "s-bad", ClaimResponseID: "cr-1", PatientID: "p-1", ChannelType: ChannelRestHook, Endpoint: "https://b.example/hook"})
	seedSub(t, repo, &Subscription{ID: "s-other", ClaimResponseID: "cr-1", PatientID: "p-2", ChannelType: ChannelRestHook, Endpoint: "https://c.example/hook"})

	d.Dispatch(context.Background(), "cr-1", "p-1")

	if got := statusOf(t, repo, "s-ok"); got.Status != StatusActive || got.ErrorText != nil {
		t.Errorf("expected s-ok active, got %s (%v)", got.Status, got.ErrorText)
	}
	if got := statusOf(t, repo, "s-bad"); got.Status != StatusError || got.ErrorText == nil {
		t.Errorf("expected s-bad error with text, got %s", got.Status)
	}
	if got := statusOf(t, repo, "s-other"); got.Status != StatusRequested {
		t.Errorf("expected other patient's subscription untouched, got %s", got.Status)
	}
	if len(transport.calls) != 2 {
		t.Errorf("expected exactly 2 deliveries, got %v", transport.calls)
	}
	if got, err := testutil.GatherAndCount(reg, "priorauth_notifications_total"); err != nil || got != 2 {
		t.Errorf("expected delivered and failed series, got %d", got)
	}
}

func TestDispatch_RestHookTransportError(t *testing.T) {
	repo := NewMemoryRepo()
	d := NewDispatcher(repo, &fakeTransport{err: errors.New("connection refused")}, nil, nil, nil, zerolog.Nop())
	seedSub(t, repo, &Subscription{ID: "s-1", ClaimResponseID: "cr-1", PatientID: "p-1", ChannelType: ChannelRestHook, Endpoint: "https://a.example/hook"})

	d.Dispatch(context.Background(), "cr-1", "p-1")

	if got := statusOf(t, repo, "s-1"); got.Status != StatusError {
		t.Errorf("expected error status, got %s", got.Status)
	}
}

// lockedBuffer collects log lines written from delivery goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDispatch_SummarizesFailedDeliveries(t *testing.T) {
	repo := NewMemoryRepo()
	transport := &fakeTransport{codes: map[string]int{"https://b.example/hook": http.StatusBadGateway}}
	logs := &lockedBuffer{}
	d := NewDispatcher(repo, transport, nil, nil, nil, zerolog.New(logs))
	seedSub(t, repo, &Subscription{ID: "s-ok", ClaimResponseID: "cr-1", PatientID: "p-1", ChannelType: ChannelRestHook, Endpoint: "https://a.example/hook"})
	seedSub(t, repo, &Subscription{ID: "s-bad", ClaimResponseID: "cr-1", PatientID: "p-1", ChannelType: ChannelRestHook, Endpoint: "https://b.example/hook"})

	d.Dispatch(context.Background(), "cr-1", "p-1")

	out := logs.String()
	if !strings.Contains(out, `"message":"dispatch incomplete"`) {
		t.Fatalf("expected an incomplete dispatch summary, got %s", out)
	}
	if !strings.Contains(out, `"failed":1`) || !strings.Contains(out, "subscription s-bad") {
		t.Errorf("expected the summary to name the failed delivery, got %s", out)
	}
	if got := statusOf(t, repo, "s-ok"); got.Status != StatusActive {
		t.Errorf("expected s-ok delivered despite the failure, got %s", got.Status)
	}

	transport.mu.Lock()
	transport.codes = nil
	transport.mu.Unlock()
	clean := &lockedBuffer{}
	d = NewDispatcher(repo, transport, nil, nil, nil, zerolog.New(clean))
	d.Dispatch(context.Background(), "cr-1", "p-1")
	if strings.Contains(clean.String(), "dispatch incomplete") {
		t.Errorf("expected no summary when every delivery succeeds, got %s", clean.String())
	}
}

func TestDispatch_RecoversFromError(t *testing.T) {
	repo := NewMemoryRepo()
	transport := &fakeTransport{err: errors.New("timeout")}
	d := NewDispatcher(repo, transport, nil, nil, nil, zerolog.Nop())
	seedSub(t, repo, &Subscription{ID: "s-1", ClaimResponseID: "cr-1", PatientID: "p-1", ChannelType: ChannelRestHook, Endpoint: "https://a.example/hook"})

	d.Dispatch(context.Background(), "cr-1", "p-1")
	transport.err = nil
	d.Dispatch(context.Background(), "cr-1", "p-1")

	got := statusOf(t, repo, "s-1")
	if got.Status != StatusActive || got.ErrorText != nil {
		t.Errorf("expected active with cleared error, got %s (%v)", got.Status, got.ErrorText)
	}
}

func TestDispatch_NoSubscriptions(t *testing.T) {
	transport := &fakeTransport{}
	d := NewDispatcher(NewMemoryRepo(), transport, nil, nil, nil, zerolog.Nop())
	d.Dispatch(context.Background(), "cr-none", "p-1")
	if len(transport.calls) != 0 {
		t.Errorf("expected no deliveries, got %v", transport.calls)
	}
}

// ---------- websocket ----------

func TestDispatch_WebSocket(t *testing.T) {
	repo := NewMemoryRepo()
	hub := websocket.NewHub()
	bindings := websocket.NewMemoryBindings()
	d := NewDispatcher(repo, &fakeTransport{}, hub, bindings, nil, zerolog.Nop())

	client := websocket.NewClient("socket-1")
	hub.Register(client)
	bindings.Bind(context.Background(), "s-bound", "socket-1")
	bindings.Bind(context.Background(), "s-gone", "socket-closed")

	seedSub(t, repo, &Subscription{ID: "s-bound", ClaimResponseID: "cr-1", PatientID: "p-1", ChannelType: ChannelWebSocket})
	seedSub(t, repo, &Subscription{ID: "s-unbound", ClaimResponseID: "cr-1", PatientID: "p-1", ChannelType: ChannelWebSocket})
	seedSub(t, repo, &Subscription{ID: "s-gone", ClaimResponseID: "cr-1", PatientID: "p-1", ChannelType: ChannelWebSocket})

	d.Dispatch(context.Background(), "cr-1", "p-1")

	select {
	case msg := <-client.Send:
		if string(msg) != PingMessage("s-bound") {
			t.Errorf("expected %q, got %q", PingMessage("s-bound"), msg)
		}
	default:
		t.Fatal("expected a ping on the bound socket")
	}
	if got := statusOf(t, repo, "s-bound"); got.Status != StatusActive {
		t.Errorf("expected s-bound active, got %s", got.Status)
	}
	if got := statusOf(t, repo, "s-unbound"); got.Status != StatusError {
		t.Errorf("expected s-unbound error, got %s", got.Status)
	}
	if got := statusOf(t, repo, "s-gone"); got.Status != StatusError {
		t.Errorf("expected s-gone error, got %s", got.Status)
	}
}

func TestDispatch_WebSocketLookupError(t *testing.T) {
	repo := NewMemoryRepo()
	d := NewDispatcher(repo, nil, websocket.NewHub(), failingLookup{}, nil, zerolog.Nop())
	seedSub(t, repo, &Subscription{ID: "s-1", ClaimResponseID: "cr-1", PatientID: "p-1", ChannelType: ChannelWebSocket})

	d.Dispatch(context.Background(), "cr-1", "p-1")

	if got := statusOf(t, repo, "s-1"); got.Status != StatusError {
		t.Errorf("expected error status, got %s", got.Status)
	}
}

// ---------- HTTP transport ----------

func TestHTTPTransport_PostEmpty(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodPost || r.ContentLength > 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	code, err := NewHTTPTransport(time.Second).PostEmpty(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("PostEmpty() error: %v", err)
	}
	if code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", code)
	}
	if hits.Load() != 1 {
		t.Errorf("expected one request, got %d", hits.Load())
	}
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	if _, err := NewHTTPTransport(time.Second).PostEmpty(context.Background(), url); err == nil {
		t.Fatal("expected error for closed server")
	}
}

func TestDispatch_EndToEndRestHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	repo := NewMemoryRepo()
	d := NewDispatcher(repo, NewHTTPTransport(time.Second), nil, nil, nil, zerolog.Nop())
	seedSub(t, repo, &Subscription{ID: "s-1", ClaimResponseID: "cr-1", PatientID: "p-1", ChannelType: ChannelRestHook, Endpoint: srv.URL})

	d.Dispatch(context.Background(), "cr-1", "p-1")

	if got := statusOf(t, repo, "s-1"); got.Status != StatusActive {
		t.Errorf("expected active, got %s", got.Status)
	}
}
