package priorauth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Coordinator adjudicates the items of one submission concurrently and then
// writes them. It is the only writer of new ClaimItem rows.
type Coordinator struct {
	items       ClaimItemRepository
	adjudicator ItemAdjudicator
	workers     int
	logger      zerolog.Logger
	now         func() time.Time
}

func NewCoordinator(items ClaimItemRepository, adjudicator ItemAdjudicator, workers int, logger zerolog.Logger) *Coordinator {
	if workers < 1 {
		workers = 1
	}
	return &Coordinator{
		items:       items,
		adjudicator: adjudicator,
		workers:     workers,
		logger:      logger.With().Str("component", "coordinator").Logger(),
		now:         time.Now,
	}
}

// Adjudicate evaluates every submitted item and persists the outcomes. An
// item with the cancel flag is cancelled without consulting the rules. Items
// that already exist under relatedID are updated there; the rest are created
// under claimID.
//
// An evaluation error aborts before anything is written. A write error does
// not stop the remaining writes and is not rolled back; the joined write
// errors are returned with the outcomes that were computed.
func (co *Coordinator) Adjudicate(ctx context.Context, sub *Submission, claimID, relatedID string, status ClaimStatus) ([]ItemAdjudication, error) {
	results := make([]ItemAdjudication, len(sub.Items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(co.workers)
	for i, item := range sub.Items {
		g.Go(func() error {
			if item.Cancelled {
				results[i] = ItemAdjudication{Sequence: item.Sequence, Outcome: ItemCancelled}
				return nil
			}
			outcome, err := co.adjudicator.EvaluateItem(gctx, sub, item.Sequence)
			if err != nil {
				return fmt.Errorf("evaluate item %d: %w", item.Sequence, err)
			}
			if !ruleOutcome(outcome) {
				return fmt.Errorf("evaluate item %d: unexpected outcome %q", item.Sequence, outcome)
			}
			results[i] = ItemAdjudication{Sequence: item.Sequence, Outcome: outcome}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Sequence < results[j].Sequence })

	var writeErrs []error
	for i := range results {
		owner, err := co.write(ctx, sub, claimID, relatedID, status, results[i])
		if err != nil {
			co.logger.Error().Err(err).
				Str("claim_id", claimID).
				Int("sequence", results[i].Sequence).
				Msg("item write failed")
			writeErrs = append(writeErrs, err)
			owner = claimID
		}
		results[i].ClaimID = owner
	}
	return results, errors.Join(writeErrs...)
}

// write stores one item and returns the claim id it is stored under.
func (co *Coordinator) write(ctx context.Context, sub *Submission, claimID, relatedID string, status ClaimStatus, res ItemAdjudication) (string, error) {
	if relatedID != "" {
		_, err := co.items.Get(ctx, relatedID, res.Sequence)
		switch {
		case err == nil:
			if err := co.items.Update(ctx, relatedID, res.Sequence, status, res.Outcome); err != nil {
				return "", fmt.Errorf("update item %s/%d: %w", relatedID, res.Sequence, err)
			}
			return relatedID, nil
		case !errors.Is(err, ErrNotFound):
			return "", fmt.Errorf("read item %s/%d: %w", relatedID, res.Sequence, err)
		}
	}

	submitted, _ := sub.Item(res.Sequence)
	item := &ClaimItem{
		ClaimID:     claimID,
		Sequence:    res.Sequence,
		ProductCode: submitted.ProductCode,
		Status:      status,
		Outcome:     res.Outcome,
		UpdatedAt:   co.now().UTC(),
	}
	if err := co.items.Create(ctx, item); err != nil {
		return "", fmt.Errorf("create item %s/%d: %w", claimID, res.Sequence, err)
	}
	return claimID, nil
}
