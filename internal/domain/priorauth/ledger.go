package priorauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrChainCycle reports a version chain that revisits a claim or exceeds the
// hop bound. Either means the stored chain is corrupt.
var ErrChainCycle = errors.New("claim version chain is cyclic or exceeds hop bound")

// Ledger walks and mutates claim version chains. It is the only component that
// changes Claim.Status.
type Ledger struct {
	claims  ClaimRepository
	maxHops int
	logger  zerolog.Logger
}

func NewLedger(claims ClaimRepository, maxHops int, logger zerolog.Logger) *Ledger {
	if maxHops < 1 {
		maxHops = 1000
	}
	return &Ledger{
		claims:  claims,
		maxHops: maxHops,
		logger:  logger.With().Str("component", "ledger").Logger(),
	}
}

// MostRecentID follows successors from id and returns the newest revision.
// Chains are linear; if a claim has several successors the most recent wins.
func (l *Ledger) MostRecentID(ctx context.Context, id string) (string, error) {
	visited := map[string]bool{id: true}
	current := id
	for hops := 0; ; hops++ {
		if hops >= l.maxHops {
			return "", fmt.Errorf("most recent of %s: %w", id, ErrChainCycle)
		}
		next, err := l.claims.ListSuccessors(ctx, current)
		if err != nil {
			return "", fmt.Errorf("most recent of %s: %w", id, err)
		}
		if len(next) == 0 {
			return current, nil
		}
		current = next[0].ID
		if visited[current] {
			return "", fmt.Errorf("most recent of %s: revisits %s: %w", id, current, ErrChainCycle)
		}
		visited[current] = true
	}
}

// IsCancelled reports whether the claim stored under id is cancelled.
func (l *Ledger) IsCancelled(ctx context.Context, id string) (bool, error) {
	c, err := l.claims.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return c.IsCancelled(), nil
}

// RootID follows RelatedID back to the first revision of the chain.
func (l *Ledger) RootID(ctx context.Context, id string) (string, error) {
	visited := map[string]bool{id: true}
	current := id
	for hops := 0; ; hops++ {
		if hops >= l.maxHops {
			return "", fmt.Errorf("root of %s: %w", id, ErrChainCycle)
		}
		c, err := l.claims.GetByID(ctx, current)
		if err != nil {
			return "", fmt.Errorf("root of %s: %w", id, err)
		}
		if c.RelatedID == nil {
			return current, nil
		}
		current = *c.RelatedID
		if visited[current] {
			return "", fmt.Errorf("root of %s: revisits %s: %w", id, current, ErrChainCycle)
		}
		visited[current] = true
	}
}

// CascadeCancel marks claimID and every claim reachable from it, forward
// through successors and backward through RelatedID, as cancelled. Each node
// is re-read before it is changed. Failing hops are logged and skipped. The
// IDs of every claim visited are returned, claimID first.
//
// An error is returned only when claimID itself cannot be cancelled or a walk
// hits its hop bound.
func (l *Ledger) CascadeCancel(ctx context.Context, claimID string) ([]string, error) {
	if err := l.claims.UpdateStatus(ctx, claimID, StatusCancelled); err != nil {
		return nil, fmt.Errorf("cancel claim %s: %w", claimID, err)
	}
	visited := map[string]bool{claimID: true}
	ids := []string{claimID}

	forwardErr := l.cancelForward(ctx, claimID, visited, &ids)
	backwardErr := l.cancelBackward(ctx, claimID, visited, &ids)

	l.logger.Info().Str("claim_id", claimID).Int("claims", len(ids)).Msg("cascade cancel complete")
	return ids, errors.Join(forwardErr, backwardErr)
}

func (l *Ledger) cancelForward(ctx context.Context, claimID string, visited map[string]bool, ids *[]string) error {
	queue := []string{claimID}
	for hops := 0; len(queue) > 0; hops++ {
		if hops >= l.maxHops {
			return fmt.Errorf("forward cascade from %s: %w", claimID, ErrChainCycle)
		}
		current := queue[0]
		queue = queue[1:]

		next, err := l.claims.ListSuccessors(ctx, current)
		if err != nil {
			l.logger.Error().Err(err).Str("claim_id", current).Msg("cascade: list successors failed")
			continue
		}
		for _, c := range next {
			if visited[c.ID] {
				l.logger.Error().Str("claim_id", c.ID).Msg("cascade: chain revisits claim")
				continue
			}
			visited[c.ID] = true
			*ids = append(*ids, c.ID)
			queue = append(queue, c.ID)
			l.cancelOne(ctx, c.ID)
		}
	}
	return nil
}

func (l *Ledger) cancelBackward(ctx context.Context, claimID string, visited map[string]bool, ids *[]string) error {
	current := claimID
	for hops := 0; ; hops++ {
		if hops >= l.maxHops {
			return fmt.Errorf("backward cascade from %s: %w", claimID, ErrChainCycle)
		}
		c, err := l.claims.GetByID(ctx, current)
		if err != nil {
			l.logger.Error().Err(err).Str("claim_id", current).Msg("cascade: read claim failed")
			return nil
		}
		if c.RelatedID == nil {
			return nil
		}
		prev := *c.RelatedID
		if visited[prev] {
			l.logger.Error().Str("claim_id", prev).Msg("cascade: chain revisits claim")
			return nil
		}
		visited[prev] = true
		*ids = append(*ids, prev)
		l.cancelOne(ctx, prev)
		current = prev
	}
}

// cancelOne re-reads id and cancels it if it is not already cancelled.
func (l *Ledger) cancelOne(ctx context.Context, id string) {
	c, err := l.claims.GetByID(ctx, id)
	if err != nil {
		l.logger.Error().Err(err).Str("claim_id", id).Msg("cascade: read claim failed")
		return
	}
	if c.IsCancelled() {
		return
	}
	if err := l.claims.UpdateStatus(ctx, id, StatusCancelled); err != nil {
		l.logger.Error().Err(err).Str("claim_id", id).Msg("cascade: cancel claim failed")
	}
}
