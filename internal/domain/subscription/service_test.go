package subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/priorauth/internal/domain/priorauth"
)

// ---------- helpers ----------

type serviceEnv struct {
	svc       *Service
	repo      *MemoryRepo
	responses priorauth.ClaimResponseRepository
}

func newServiceEnv(t *testing.T, opts Options) *serviceEnv {
	t.Helper()
	store := priorauth.NewMemoryStore()
	repo := NewMemoryRepo()
	return &serviceEnv{
		svc:       NewService(repo, store.Responses(), opts, zerolog.Nop()),
		repo:      repo,
		responses: store.Responses(),
	}
}

func (e *serviceEnv) seedResponse(t *testing.T, id, patientID string, d priorauth.Disposition) {
	t.Helper()
	cr := &priorauth.ClaimResponse{
		ID:          id,
		ClaimID:     "claim-" + id,
		PatientID:   patientID,
		Disposition: d,
		Status:      priorauth.StatusActive,
		Outcome:     priorauth.OutcomeFor(d),
	}
	if err := e.responses.Create(context.Background(), cr); err != nil {
		t.Fatalf("seed response: %v", err)
	}
}

func publicResolver(t *testing.T) {
	t.Helper()
	original := resolveHost
	t.Cleanup(func() { resolveHost = original })
	resolveHost = func(string) ([]string, error) {
		return []string{"93.184.216.34"}, nil
	}
}

// ---------- Subscribe ----------

func TestSubscribe_RestHook(t *testing.T) {
	publicResolver(t)
	env := newServiceEnv(t, Options{})
	env.seedResponse(t, "cr-1", "pat-1", priorauth.DispositionPending)

	sub, err := env.svc.Subscribe(context.Background(), SubscribeRequest{
		ClaimResponseID: "cr-1",
		PatientID:       "pat-1",
		ChannelType:     ChannelRestHook,
		Endpoint:        "https://example.com/hook",
	})
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if sub.ID == "" || sub.Status != StatusRequested {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	stored, err := env.repo.GetByID(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if stored.Endpoint != "https://example.com/hook" {
		t.Errorf("expected endpoint stored, got %q", stored.Endpoint)
	}
}

func TestSubscribe_DefaultsToRestHook(t *testing.T) {
	publicResolver(t)
	env := newServiceEnv(t, Options{})
	env.seedResponse(t, "cr-1", "pat-1", priorauth.DispositionPending)

	sub, err := env.svc.Subscribe(context.Background(), SubscribeRequest{
		ClaimResponseID: "cr-1",
		PatientID:       "pat-1",
		Endpoint:        "https://example.com/hook",
	})
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if sub.ChannelType != ChannelRestHook {
		t.Errorf("expected rest-hook, got %s", sub.ChannelType)
	}
}

func TestSubscribe_WebSocketNeedsNoEndpoint(t *testing.T) {
	env := newServiceEnv(t, Options{})
	env.seedResponse(t, "cr-1", "pat-1", priorauth.DispositionPending)

	sub, err := env.svc.Subscribe(context.Background(), SubscribeRequest{
		ClaimResponseID: "cr-1",
		PatientID:       "pat-1",
		ChannelType:     ChannelWebSocket,
	})
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if err := env.svc.ValidateBinding(context.Background(), sub.ID); err != nil {
		t.Errorf("expected websocket subscription to accept a binding, got %v", err)
	}
}

func TestSubscribe_RejectsResolvedResponse(t *testing.T) {
	env := newServiceEnv(t, Options{})
	for _, d := range []priorauth.Disposition{
		priorauth.DispositionGranted,
		priorauth.DispositionDenied,
		priorauth.DispositionPartial,
		priorauth.DispositionCancelled,
	} {
		id := "cr-" + string(d)
		env.seedResponse(t, id, "pat-1", d)
		_, err := env.svc.Subscribe(context.Background(), SubscribeRequest{
			ClaimResponseID: id,
			PatientID:       "pat-1",
			ChannelType:     ChannelWebSocket,
		})
		if !errors.Is(err, ErrClaimResponseNotPending) {
			t.Errorf("%s: expected ErrClaimResponseNotPending, got %v", d, err)
		}
	}
}

// resolvingRepo resolves the watched response right after a subscription
// is stored, as a deferred review firing at that moment would.
type resolvingRepo struct {
	Repository
	resolve func()
}

func (r *resolvingRepo) Create(ctx context.Context, sub *Subscription) error {
	if err := r.Repository.Create(ctx, sub); err != nil {
		return err
	}
	r.resolve()
	return nil
}

func TestSubscribe_ResponseResolvedWhileStoring(t *testing.T) {
	publicResolver(t)
	env := newServiceEnv(t, Options{})
	env.seedResponse(t, "cr-1", "pat-1", priorauth.DispositionPending)
	env.svc.repo = &resolvingRepo{Repository: env.repo, resolve: func() {
		cr, err := env.responses.GetByID(context.Background(), "cr-1")
		if err != nil {
			t.Errorf("read response: %v", err)
			return
		}
		if err := env.responses.Create(context.Background(), cr.NextVersion(priorauth.DispositionGranted, priorauth.StatusActive, nil)); err != nil {
			t.Errorf("grant response: %v", err)
		}
	}}

	_, err := env.svc.Subscribe(context.Background(), SubscribeRequest{
		ClaimResponseID: "cr-1",
		PatientID:       "pat-1",
		Endpoint:        "https://example.com/hook",
	})
	if !errors.Is(err, ErrClaimResponseNotPending) {
		t.Fatalf("expected ErrClaimResponseNotPending, got %v", err)
	}
	subs, err := env.repo.ListByClaimResponse(context.Background(), "cr-1", "pat-1")
	if err != nil {
		t.Fatalf("ListByClaimResponse() error: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected the subscription withdrawn, got %d", len(subs))
	}
}

func TestSubscribe_MissingResponse(t *testing.T) {
	env := newServiceEnv(t, Options{})
	env.seedResponse(t, "cr-1", "pat-1", priorauth.DispositionPending)

	for _, req := range []SubscribeRequest{
		{ClaimResponseID: "cr-missing", PatientID: "pat-1", ChannelType: ChannelWebSocket},
		{ClaimResponseID: "cr-1", PatientID: "pat-other", ChannelType: ChannelWebSocket},
	} {
		_, err := env.svc.Subscribe(context.Background(), req)
		var rerr *priorauth.ReferenceError
		if !errors.As(err, &rerr) || rerr.Reason != priorauth.ReasonMissing {
			t.Errorf("%+v: expected missing reference error, got %v", req, err)
		}
	}
}

func TestSubscribe_Validation(t *testing.T) {
	env := newServiceEnv(t, Options{})
	tests := []struct {
		name string
		req  SubscribeRequest
		want error
	}{
		{"unknown channel", SubscribeRequest{ClaimResponseID: "cr-1", PatientID: "p", ChannelType: "email"}, ErrInvalidChannel},
		{"rest-hook without endpoint", SubscribeRequest{ClaimResponseID: "cr-1", PatientID: "p", ChannelType: ChannelRestHook}, ErrInvalidChannel},
		{"bad scheme", SubscribeRequest{ClaimResponseID: "cr-1", PatientID: "p", Endpoint: "ftp://example.com/x"}, ErrInvalidChannel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.Subscribe(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	var verr *priorauth.ValidationError
	if _, err := env.svc.Subscribe(context.Background(), SubscribeRequest{PatientID: "p"}); !errors.As(err, &verr) {
		t.Errorf("expected validation error for missing response id, got %v", err)
	}
	if _, err := env.svc.Subscribe(context.Background(), SubscribeRequest{ClaimResponseID: "cr-1"}); !errors.As(err, &verr) {
		t.Errorf("expected validation error for missing patient, got %v", err)
	}
}

// ---------- endpoint checks ----------

func TestSubscribe_PrivateIPEndpoint(t *testing.T) {
	original := resolveHost
	defer func() { resolveHost = original }()

	tests := []struct {
		name     string
		endpoint string
		ip       string
	}{
		{"10.x private", "https://internal.corp/hook", "10.0.0.1"},
		{"192.168.x private", "https://homelab.local/hook", "192.168.1.1"},
		{"loopback", "https://loop.test/hook", "127.0.0.1"},
		{"cloud metadata", "https://metadata.test/hook", "169.254.169.254"},
	}

	env := newServiceEnv(t, Options{})
	env.seedResponse(t, "cr-1", "pat-1", priorauth.DispositionPending)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolveHost = func(string) ([]string, error) {
				return []string{tt.ip}, nil
			}
			_, err := env.svc.Subscribe(context.Background(), SubscribeRequest{
				ClaimResponseID: "cr-1",
				PatientID:       "pat-1",
				Endpoint:        tt.endpoint,
			})
			if !errors.Is(err, ErrInvalidChannel) {
				t.Fatalf("expected ErrInvalidChannel for endpoint resolving to %s, got %v", tt.ip, err)
			}
		})
	}
}

func TestSubscribe_LocalhostRejected(t *testing.T) {
	env := newServiceEnv(t, Options{})
	_, err := env.svc.Subscribe(context.Background(), SubscribeRequest{
		ClaimResponseID: "cr-1",
		PatientID:       "pat-1",
		Endpoint:        "http://localhost:9000/hook",
	})
	if !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
}

func TestSubscribe_AllowPrivateEndpoints(t *testing.T) {
	env := newServiceEnv(t, Options{AllowPrivateEndpoints: true})
	env.seedResponse(t, "cr-1", "pat-1", priorauth.DispositionPending)

	_, err := env.svc.Subscribe(context.Background(), SubscribeRequest{
		ClaimResponseID: "cr-1",
		PatientID:       "pat-1",
		Endpoint:        "http://127.0.0.1:9000/hook",
	})
	if err != nil {
		t.Fatalf("expected private endpoint to be allowed, got %v", err)
	}
}

func TestSubscribe_RequireHTTPS(t *testing.T) {
	publicResolver(t)
	env := newServiceEnv(t, Options{RequireHTTPS: true})
	env.seedResponse(t, "cr-1", "pat-1", priorauth.DispositionPending)

	_, err := env.svc.Subscribe(context.Background(), SubscribeRequest{
		ClaimResponseID: "cr-1",
		PatientID:       "pat-1",
		Endpoint:        "http://example.com/hook",
	})
	if !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected plain http to be refused, got %v", err)
	}
}

// ---------- read / delete / bind ----------

func TestDeleteSubscription(t *testing.T) {
	env := newServiceEnv(t, Options{})
	env.seedResponse(t, "cr-1", "pat-1", priorauth.DispositionPending)
	sub, err := env.svc.Subscribe(context.Background(), SubscribeRequest{
		ClaimResponseID: "cr-1", PatientID: "pat-1", ChannelType: ChannelWebSocket,
	})
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	if err := env.svc.DeleteSubscription(context.Background(), sub.ID, "pat-other"); !errors.Is(err, priorauth.ErrNotFound) {
		t.Fatalf("expected not found for another patient, got %v", err)
	}
	if err := env.svc.DeleteSubscription(context.Background(), sub.ID, "pat-1"); err != nil {
		t.Fatalf("DeleteSubscription() error: %v", err)
	}
	if _, err := env.svc.GetSubscription(context.Background(), sub.ID); !errors.Is(err, priorauth.ErrNotFound) {
		t.Fatalf("expected deleted subscription to be gone, got %v", err)
	}
}

func TestValidateBinding_RejectsRestHookAndUnknown(t *testing.T) {
	publicResolver(t)
	env := newServiceEnv(t, Options{})
	env.seedResponse(t, "cr-1", "pat-1", priorauth.DispositionPending)
	sub, err := env.svc.Subscribe(context.Background(), SubscribeRequest{
		ClaimResponseID: "cr-1", PatientID: "pat-1", Endpoint: "https://example.com/hook",
	})
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if err := env.svc.ValidateBinding(context.Background(), sub.ID); err == nil {
		t.Error("expected rest-hook subscription to refuse a socket binding")
	}
	if err := env.svc.ValidateBinding(context.Background(), "missing"); err == nil {
		t.Error("expected unknown subscription to refuse a socket binding")
	}
}
