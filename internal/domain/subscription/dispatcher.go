package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/priorauth/internal/platform/telemetry"
)

// RestHookTransport performs the outbound rest-hook call.
type RestHookTransport interface {
	PostEmpty(ctx context.Context, url string) (int, error)
}

// SocketPusher writes a text frame to a connected socket.
type SocketPusher interface {
	PushToSocket(ctx context.Context, socketID, message string) error
}

// SocketLookup resolves the socket bound to a subscription.
type SocketLookup interface {
	Lookup(ctx context.Context, subscriptionID string) (string, bool, error)
}

var errNoSocket = errors.New("no socket bound to subscription")

const maxConcurrentDeliveries = 8

// Dispatcher notifies the subscribers of a ClaimResponse. Each delivery is
// attempted once; the outcome is recorded on the subscription and never
// returned to the caller.
type Dispatcher struct {
	repo     Repository
	rest     RestHookTransport
	sockets  SocketPusher
	bindings SocketLookup
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

func NewDispatcher(repo Repository, rest RestHookTransport, sockets SocketPusher, bindings SocketLookup, metrics *telemetry.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		rest:     rest,
		sockets:  sockets,
		bindings: bindings,
		metrics:  metrics,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch delivers to every subscription watching claimResponseID for
// patientID.
func (d *Dispatcher) Dispatch(ctx context.Context, claimResponseID, patientID string) {
	subs, err := d.repo.ListByClaimResponse(ctx, claimResponseID, patientID)
	if err != nil {
		d.logger.Error().Err(err).
			Str("response_id", claimResponseID).
			Str("patient_id", patientID).
			Msg("list subscriptions failed")
		return
	}

	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	g.SetLimit(maxConcurrentDeliveries)
	for _, sub := range subs {
		g.Go(func() error {
			err := d.deliver(ctx, sub)
			if err != nil {
				failed.Add(1)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Warn().Err(err).
			Str("response_id", claimResponseID).
			Int("subscriptions", len(subs)).
			Int32("failed", failed.Load()).
			Msg("dispatch incomplete")
	}
}

// deliver notifies one subscription and records the outcome on it. The
// delivery error is returned after the status is stored.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription) error {
	log := d.logger.With().
		Str("subscription_id", sub.ID).
		Str("response_id", sub.ClaimResponseID).
		Str("channel", string(sub.ChannelType)).
		Logger()

	var err error
	switch sub.ChannelType {
	case ChannelRestHook:
		err = d.postRestHook(ctx, sub)
	case ChannelWebSocket:
		err = d.pushWebSocket(ctx, sub)
	default:
		err = fmt.Errorf("%w: %s", ErrInvalidChannel, sub.ChannelType)
	}

	status, result := StatusActive, "delivered"
	var errText *string
	if err != nil {
		status, result = StatusError, "failed"
		text := err.Error()
		errText = &text
		log.Warn().Err(err).Msg("notification delivery failed")
	} else {
		log.Info().Msg("notification delivered")
	}
	d.metrics.Notification(string(sub.ChannelType), result)

	if uerr := d.repo.UpdateStatus(ctx, sub.ID, status, errText); uerr != nil {
		log.Error().Err(uerr).Str("status", string(status)).Msg("update subscription status failed")
	}
	if err != nil {
		return fmt.Errorf("subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (d *Dispatcher) postRestHook(ctx context.Context, sub *Subscription) error {
	code, err := d.rest.PostEmpty(ctx, sub.Endpoint)
	if err != nil {
		return fmt.Errorf("rest-hook %s: %w", sub.Endpoint, err)
	}
	if code < 200 || code > 299 {
		return fmt.Errorf("rest-hook %s: status %d", sub.Endpoint, code)
	}
	return nil
}

func (d *Dispatcher) pushWebSocket(ctx context.Context, sub *Subscription) error {
	socketID, ok, err := d.bindings.Lookup(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("lookup socket: %w", err)
	}
	if !ok {
		return errNoSocket
	}
	return d.sockets.PushToSocket(ctx, socketID, PingMessage(sub.ID))
}

// PingMessage is the websocket frame announcing a change to a subscription.
func PingMessage(subscriptionID string) string {
	return "ping " + subscriptionID
}
