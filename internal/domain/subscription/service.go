package subscription

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/priorauth/internal/domain/priorauth"
)

var (
	// ErrClaimResponseNotPending rejects a subscription to a response that
	// has already been resolved.
	ErrClaimResponseNotPending = errors.New("claim response is not pending")
	// ErrInvalidChannel rejects an unsupported channel type or endpoint.
	ErrInvalidChannel = errors.New("invalid subscription channel")
)

// SubscribeRequest is the input of the subscribe entry point.
type SubscribeRequest struct {
	ClaimResponseID string
	PatientID       string
	ChannelType     ChannelType
	Endpoint        string
}

// Options controls rest-hook endpoint checks.
type Options struct {
	// RequireHTTPS refuses plain http endpoints.
	RequireHTTPS bool
	// AllowPrivateEndpoints permits loopback and private network hosts.
	AllowPrivateEndpoints bool
}

// Service provides business logic for subscription management.
type Service struct {
	repo      Repository
	responses priorauth.ClaimResponseRepository
	opts      Options
	logger    zerolog.Logger
	newID     func() string
}

// NewService creates a new subscription service.
func NewService(repo Repository, responses priorauth.ClaimResponseRepository, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		responses: responses,
		opts:      opts,
		logger:    logger.With().Str("component", "subscription").Logger(),
		newID:     func() string { return uuid.New().String() },
	}
}

// resolveHost is a variable to allow test injection.
var resolveHost = net.LookupHost

func (s *Service) validateEndpointURL(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("endpoint URL scheme must be http or https, got %q", u.Scheme)
	}
	if s.opts.RequireHTTPS && scheme != "https" {
		return fmt.Errorf("endpoint must use HTTPS")
	}
	if s.opts.AllowPrivateEndpoints {
		return nil
	}

	hostname := u.Hostname()
	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "0.0.0.0" || lower == "::" {
		return fmt.Errorf("endpoint hostname %q is not allowed", hostname)
	}

	ips, err := resolveHost(hostname)
	if err != nil {
		return fmt.Errorf("cannot resolve endpoint hostname %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("endpoint resolves to private/reserved IP %s", ipStr)
		}
	}
	return nil
}

// Subscribe registers a subscription to a ClaimResponse that is still
// pending. Rest-hook subscriptions need a reachable endpoint; websocket
// subscriptions are bound to a socket later.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	if req.ClaimResponseID == "" {
		return nil, &priorauth.ValidationError{Field: "criteria.identifier", Message: "is required"}
	}
	if req.PatientID == "" {
		return nil, &priorauth.ValidationError{Field: "criteria.patient.identifier", Message: "is required"}
	}
	if req.ChannelType == "" {
		req.ChannelType = ChannelRestHook
	}
	if !req.ChannelType.Valid() {
		return nil, fmt.Errorf("%w: type %q (supported: rest-hook, websocket)", ErrInvalidChannel, req.ChannelType)
	}
	if req.ChannelType == ChannelRestHook {
		if req.Endpoint == "" {
			return nil, fmt.Errorf("%w: rest-hook endpoint is required", ErrInvalidChannel)
		}
		if err := s.validateEndpointURL(req.Endpoint); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidChannel, err)
		}
	}

	resp, err := s.responses.GetByID(ctx, req.ClaimResponseID)
	if errors.Is(err, priorauth.ErrNotFound) || (err == nil && resp.PatientID != req.PatientID) {
		return nil, &priorauth.ReferenceError{Kind: priorauth.KindClaimResponse, ID: req.ClaimResponseID, Reason: priorauth.ReasonMissing}
	}
	if err != nil {
		return nil, fmt.Errorf("read claim response: %w", err)
	}
	if !resp.IsPending() {
		return nil, fmt.Errorf("%w: %s is %s", ErrClaimResponseNotPending, resp.ID, resp.Disposition)
	}

	sub := &Subscription{
		ID:              s.newID(),
		ClaimResponseID: req.ClaimResponseID,
		PatientID:       req.PatientID,
		ChannelType:     req.ChannelType,
		Endpoint:        req.Endpoint,
		Status:          StatusRequested,
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	// A review that resolved the response before the subscription was stored
	// has already dispatched without it.
	latest, err := s.responses.GetByID(ctx, req.ClaimResponseID)
	if err != nil {
		s.logger.Warn().Err(err).Str("subscription_id", sub.ID).Msg("re-read claim response failed")
	} else if !latest.IsPending() {
		if err := s.repo.Delete(ctx, sub.ID, sub.PatientID); err != nil {
			s.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("withdraw subscription failed")
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrClaimResponseNotPending, latest.ID, latest.Disposition)
	}
	s.logger.Info().
		Str("subscription_id", sub.ID).
		Str("response_id", sub.ClaimResponseID).
		Str("patient_id", sub.PatientID).
		Str("channel", string(sub.ChannelType)).
		Msg("subscription created")
	return sub, nil
}

func (s *Service) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) DeleteSubscription(ctx context.Context, id, patientID string) error {
	return s.repo.Delete(ctx, id, patientID)
}

// ValidateBinding accepts a socket binding only for an existing websocket
// subscription. Its signature matches websocket.BindValidator.
func (s *Service) ValidateBinding(ctx context.Context, subscriptionID string) error {
	sub, err := s.repo.GetByID(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("unknown subscription %s", subscriptionID)
	}
	if sub.ChannelType != ChannelWebSocket {
		return fmt.Errorf("subscription %s uses channel %s, not websocket", subscriptionID, sub.ChannelType)
	}
	return nil
}
