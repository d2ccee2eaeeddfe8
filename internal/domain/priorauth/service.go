package priorauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/priorauth/internal/platform/scheduling"
	"github.com/ehr/priorauth/internal/platform/telemetry"
)

// ErrProcessingFailed is returned when adjudication or persistence fails. The
// cause is logged, not returned.
var ErrProcessingFailed = errors.New("submission processing failed")

// ReferenceReason says why a referenced record was rejected.
type ReferenceReason string

const (
	ReasonMissing    ReferenceReason = "missing"
	ReasonCancelled  ReferenceReason = "cancelled"
	ReasonNotPending ReferenceReason = "not-pending"
)

// ReferenceError rejects a request whose target record is unusable. It is
// returned before any state changes.
type ReferenceError struct {
	Kind   Kind
	ID     string
	Reason ReferenceReason
}

func (e *ReferenceError) Error() string {
	switch e.Reason {
	case ReasonMissing:
		return fmt.Sprintf("%s %s does not exist", e.Kind, e.ID)
	case ReasonCancelled:
		return fmt.Sprintf("%s %s is cancelled", e.Kind, e.ID)
	case ReasonNotPending:
		return fmt.Sprintf("%s %s is not pending", e.Kind, e.ID)
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, e.Reason)
}

// Notifier delivers a change of a ClaimResponse to its subscribers.
type Notifier interface {
	Dispatch(ctx context.Context, claimResponseID, patientID string)
}

// JobScheduler runs one deferred job per key.
type JobScheduler interface {
	Schedule(key string, delay time.Duration, job scheduling.Job) bool
	Cancel(key string) bool
}

// Repositories bundles the claim stores used by the processor.
type Repositories struct {
	Claims    ClaimRepository
	Items     ClaimItemRepository
	Responses ClaimResponseRepository
}

// Repositories returns the memory store's repositories.
func (s *MemoryStore) Repositories() Repositories {
	return Repositories{Claims: s.Claims(), Items: s.Items(), Responses: s.Responses()}
}

// Options tunes the processor.
type Options struct {
	Workers     int
	ReviewDelay time.Duration
	MaxHops     int
	Metrics     *telemetry.Metrics
}

// Processor runs the submission state machine. Submissions and cancels that
// touch the same version chain are serialized on the chain's root claim.
type Processor struct {
	claims      ClaimRepository
	items       ClaimItemRepository
	responses   ClaimResponseRepository
	ledger      *Ledger
	coordinator *Coordinator
	adjudicator ItemAdjudicator
	scheduler   JobScheduler
	notifier    Notifier
	metrics     *telemetry.Metrics
	locks       *keyedMutex
	reviewDelay time.Duration
	logger      zerolog.Logger

	now   func() time.Time
	newID func() string
}

func NewProcessor(repos Repositories, adjudicator ItemAdjudicator, scheduler JobScheduler, notifier Notifier, opts Options, logger zerolog.Logger) *Processor {
	if opts.ReviewDelay <= 0 {
		opts.ReviewDelay = 5 * time.Minute
	}
	return &Processor{
		claims:      repos.Claims,
		items:       repos.Items,
		responses:   repos.Responses,
		ledger:      NewLedger(repos.Claims, opts.MaxHops, logger),
		coordinator: NewCoordinator(repos.Items, adjudicator, opts.Workers, logger),
		adjudicator: adjudicator,
		scheduler:   scheduler,
		notifier:    notifier,
		metrics:     opts.Metrics,
		locks:       newKeyedMutex(),
		reviewDelay: opts.ReviewDelay,
		logger:      logger.With().Str("component", "processor").Logger(),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
}

// Ledger exposes the version ledger used by the processor.
func (p *Processor) Ledger() *Ledger { return p.ledger }

// Submit processes one submission and returns the ClaimResponse it produced.
// Exactly one response is stored when the error is nil and none otherwise.
func (p *Processor) Submit(ctx context.Context, sub *Submission) (*ClaimResponse, error) {
	start := p.now()
	kind := sub.Kind()

	var (
		resp *ClaimResponse
		err  error
	)
	if kind == SubmissionCancel {
		resp, err = p.submitCancel(ctx, sub)
	} else {
		resp, err = p.submitClaim(ctx, sub)
	}

	p.metrics.Submission(string(kind), resultLabel(err))
	p.metrics.ObserveAdjudication(p.now().Sub(start))
	if err != nil {
		return nil, err
	}
	p.metrics.Disposition(string(resp.Disposition))
	p.logger.Info().
		Str("claim_id", resp.ClaimID).
		Str("response_id", resp.ID).
		Str("patient_id", resp.PatientID).
		Str("disposition", string(resp.Disposition)).
		Str("kind", string(kind)).
		Msg("submission processed")
	return resp, nil
}

// Cancel cancels claimID and its whole version chain on behalf of patientID.
// No ClaimResponse is produced; pending responses in the chain get a
// cancelled version and their subscribers are notified.
func (p *Processor) Cancel(ctx context.Context, claimID, patientID string) error {
	unlock, err := p.lockChain(ctx, claimID)
	if err != nil {
		return err
	}
	notify, err := p.cancelChain(ctx, claimID, patientID)
	unlock()
	if err != nil {
		return err
	}
	p.notifyAll(ctx, notify)
	return nil
}

func (p *Processor) submitCancel(ctx context.Context, sub *Submission) (*ClaimResponse, error) {
	unlock, err := p.lockChain(ctx, sub.RelatedID)
	if err != nil {
		return nil, err
	}
	notify, err := p.cancelChain(ctx, sub.RelatedID, sub.PatientID)
	if err != nil {
		unlock()
		return nil, err
	}

	resp := &ClaimResponse{
		ID:          p.newID(),
		ClaimID:     sub.RelatedID,
		PatientID:   sub.PatientID,
		BundleID:    sub.BundleID,
		Disposition: DispositionCancelled,
		Status:      StatusCancelled,
		Outcome:     OutcomeFor(DispositionCancelled),
	}
	err = p.responses.Create(ctx, resp)
	unlock()
	if err != nil {
		return nil, p.fail(err, "store cancel response")
	}
	p.notifyAll(ctx, notify)
	return resp, nil
}

func (p *Processor) submitClaim(ctx context.Context, sub *Submission) (*ClaimResponse, error) {
	claimID := p.newID()
	var unlock func()
	if sub.RelatedID != "" {
		var err error
		if unlock, err = p.lockChain(ctx, sub.RelatedID); err != nil {
			return nil, err
		}
	} else {
		// a new claim is the root of its own chain
		unlock = p.locks.Lock(claimID)
	}
	resp, closed, err := p.storeClaim(ctx, sub, claimID)
	unlock()
	if err != nil {
		return nil, err
	}
	if closed != nil {
		p.notify(ctx, closed.ID, closed.PatientID)
	}
	return resp, nil
}

// storeClaim persists and adjudicates one claim under its chain lock. When
// the claim supersedes a pending revision, that revision's response is
// closed and returned for dispatch.
func (p *Processor) storeClaim(ctx context.Context, sub *Submission, claimID string) (*ClaimResponse, *ClaimResponse, error) {
	var (
		related    *string
		superseded *ClaimResponse
	)
	if sub.RelatedID != "" {
		target, pending, err := p.resolveTarget(ctx, sub)
		if err != nil {
			return nil, nil, err
		}
		related = &target
		superseded = pending
	}

	claim := &Claim{
		ID:         claimID,
		PatientID:  sub.PatientID,
		RelatedID:  related,
		Status:     StatusActive,
		RawPayload: sub.Raw,
		CreatedAt:  p.now().UTC(),
	}
	if err := p.claims.Create(ctx, claim); err != nil {
		return nil, nil, p.fail(err, "store claim")
	}

	var (
		disposition Disposition
		items       []ItemAdjudication
	)
	if len(sub.Items) > 0 {
		relatedID := ""
		if related != nil {
			relatedID = *related
		}
		var err error
		items, err = p.coordinator.Adjudicate(ctx, sub, claimID, relatedID, StatusActive)
		if err != nil {
			return nil, nil, p.fail(err, "adjudicate items")
		}
		outcomes := make([]ItemOutcome, len(items))
		for i, it := range items {
			outcomes[i] = it.Outcome
		}
		disposition = Aggregate(outcomes)
	} else {
		d, err := p.adjudicator.EvaluateBundle(ctx, sub)
		if err != nil {
			return nil, nil, p.fail(err, "evaluate bundle")
		}
		switch d {
		case DispositionGranted, DispositionPending, DispositionDenied:
		default:
			return nil, nil, p.fail(fmt.Errorf("unexpected bundle disposition %q", d), "evaluate bundle")
		}
		disposition = d
	}

	resp := &ClaimResponse{
		ID:          p.newID(),
		ClaimID:     claimID,
		PatientID:   sub.PatientID,
		BundleID:    sub.BundleID,
		Disposition: disposition,
		Status:      StatusActive,
		Outcome:     OutcomeFor(disposition),
		Items:       items,
	}
	if err := p.responses.Create(ctx, resp); err != nil {
		return nil, nil, p.fail(err, "store claim response")
	}

	if resp.IsPending() {
		p.scheduleReview(claimID, resp.ID, sub.PatientID)
	}
	var closed *ClaimResponse
	if superseded != nil {
		closed = p.closeSuperseded(ctx, superseded)
	}
	return resp, closed, nil
}

// closeSuperseded stops the review of a pending revision that was just
// replaced and gives its response a cancelled version. It returns nil when
// the version could not be stored; the review is then left to no-op on the
// answered successor.
func (p *Processor) closeSuperseded(ctx context.Context, pending *ClaimResponse) *ClaimResponse {
	p.scheduler.Cancel(pending.ClaimID)
	next := pending.NextVersion(DispositionCancelled, StatusCancelled, func(ItemOutcome) ItemOutcome { return ItemCancelled })
	if err := p.responses.Create(ctx, next); err != nil {
		p.logger.Error().Err(err).Str("response_id", pending.ID).Msg("close superseded response failed")
		return nil
	}
	p.metrics.Disposition(string(DispositionCancelled))
	return next
}

// resolveTarget finds the current revision of the referenced claim and
// checks it can be superseded. The revision's latest response is returned
// when it is still pending.
func (p *Processor) resolveTarget(ctx context.Context, sub *Submission) (string, *ClaimResponse, error) {
	target, err := p.ledger.MostRecentID(ctx, sub.RelatedID)
	if err != nil {
		return "", nil, p.fail(err, "resolve most recent revision")
	}
	c, err := p.claims.GetByIDForPatient(ctx, target, sub.PatientID)
	if errors.Is(err, ErrNotFound) {
		return "", nil, &ReferenceError{Kind: KindClaim, ID: sub.RelatedID, Reason: ReasonMissing}
	}
	if err != nil {
		return "", nil, p.fail(err, "read update target")
	}
	if c.IsCancelled() {
		return "", nil, &ReferenceError{Kind: KindClaim, ID: target, Reason: ReasonCancelled}
	}

	latest, err := p.responses.GetLatestForClaim(ctx, target)
	switch {
	case err == nil && latest.IsPending():
		return target, latest, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return "", nil, p.fail(err, "read update target response")
	}
	return target, nil, nil
}

// cancelChain cancels the chain containing claimID and returns the responses
// that moved from pending to cancelled. The chain lock must be held.
func (p *Processor) cancelChain(ctx context.Context, claimID, patientID string) ([]*ClaimResponse, error) {
	target, err := p.claims.GetByIDForPatient(ctx, claimID, patientID)
	if errors.Is(err, ErrNotFound) {
		return nil, &ReferenceError{Kind: KindClaim, ID: claimID, Reason: ReasonMissing}
	}
	if err != nil {
		return nil, p.fail(err, "read cancel target")
	}
	if target.IsCancelled() {
		return nil, &ReferenceError{Kind: KindClaim, ID: claimID, Reason: ReasonCancelled}
	}

	ids, err := p.ledger.CascadeCancel(ctx, claimID)
	if len(ids) == 0 {
		return nil, p.fail(err, "cascade cancel")
	}
	if err != nil {
		p.logger.Error().Err(err).Str("claim_id", claimID).Msg("cascade cancel incomplete")
	}

	var notify []*ClaimResponse
	for _, id := range ids {
		if _, err := p.items.UpdateAllForClaim(ctx, id, StatusCancelled, ItemCancelled); err != nil {
			p.logger.Error().Err(err).Str("claim_id", id).Msg("cancel items failed")
		}
		p.scheduler.Cancel(id)

		latest, err := p.responses.GetLatestForClaim(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				p.logger.Error().Err(err).Str("claim_id", id).Msg("read response failed")
			}
			continue
		}
		if !latest.IsPending() {
			continue
		}
		next := latest.NextVersion(DispositionCancelled, StatusCancelled, func(ItemOutcome) ItemOutcome { return ItemCancelled })
		if err := p.responses.Create(ctx, next); err != nil {
			p.logger.Error().Err(err).Str("response_id", latest.ID).Msg("cancel pending response failed")
			continue
		}
		p.metrics.Disposition(string(DispositionCancelled))
		notify = append(notify, next)
	}
	return notify, nil
}

func (p *Processor) scheduleReview(claimID, responseID, patientID string) {
	p.scheduler.Schedule(claimID, p.reviewDelay, func(ctx context.Context) {
		p.review(ctx, claimID, responseID, patientID)
	})
	p.logger.Info().
		Str("claim_id", claimID).
		Str("response_id", responseID).
		Dur("delay", p.reviewDelay).
		Msg("deferred review scheduled")
}

// review is the deferred job for a pended claim: unless the claim has been
// cancelled or superseded, its pended items are approved and the response
// gets a granted version.
func (p *Processor) review(ctx context.Context, claimID, responseID, patientID string) {
	log := p.logger.With().Str("claim_id", claimID).Str("response_id", responseID).Logger()

	unlock, err := p.lockChain(ctx, claimID)
	if err != nil {
		log.Error().Err(err).Msg("deferred review: lock chain failed")
		return
	}
	next, reason, err := p.grantPended(ctx, claimID, responseID)
	unlock()
	if err != nil {
		log.Error().Err(err).Msg("deferred review failed")
		return
	}
	if next == nil {
		p.metrics.DeferredJob("noop")
		log.Info().Str("reason", reason).Msg("deferred review skipped")
		return
	}

	p.metrics.Disposition(string(next.Disposition))
	log.Info().Str("disposition", string(next.Disposition)).Msg("deferred review granted claim")
	p.notify(ctx, responseID, patientID)
}

func (p *Processor) grantPended(ctx context.Context, claimID, responseID string) (*ClaimResponse, string, error) {
	claim, err := p.claims.GetByID(ctx, claimID)
	if err != nil {
		return nil, "", fmt.Errorf("read claim: %w", err)
	}
	if claim.IsCancelled() {
		return nil, "cancelled", nil
	}
	superseded, err := p.hasAnsweredSuccessor(ctx, claimID)
	if err != nil {
		return nil, "", err
	}
	if superseded {
		return nil, "superseded", nil
	}
	resp, err := p.responses.GetByID(ctx, responseID)
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	if !resp.IsPending() {
		return nil, "resolved", nil
	}

	for _, it := range resp.Items {
		if it.Outcome != ItemPended {
			continue
		}
		if err := p.items.Update(ctx, it.ClaimID, it.Sequence, StatusActive, ItemApproved); err != nil {
			p.logger.Error().Err(err).
				Str("claim_id", it.ClaimID).
				Int("sequence", it.Sequence).
				Msg("approve pended item failed")
		}
	}

	next := resp.NextVersion(DispositionGranted, StatusActive, func(o ItemOutcome) ItemOutcome {
		if o == ItemPended {
			return ItemApproved
		}
		return o
	})
	if err := p.responses.Create(ctx, next); err != nil {
		return nil, "", fmt.Errorf("store granted response: %w", err)
	}
	return next, "", nil
}

// hasAnsweredSuccessor reports whether a later revision of claimID got a
// response. A successor whose processing failed does not count.
func (p *Processor) hasAnsweredSuccessor(ctx context.Context, claimID string) (bool, error) {
	successors, err := p.claims.ListSuccessors(ctx, claimID)
	if err != nil {
		return false, fmt.Errorf("list successors: %w", err)
	}
	for _, c := range successors {
		_, err := p.responses.GetLatestForClaim(ctx, c.ID)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return false, fmt.Errorf("read successor response: %w", err)
		}
	}
	return false, nil
}

// lockChain locks the root of the chain holding id.
func (p *Processor) lockChain(ctx context.Context, id string) (func(), error) {
	root, err := p.ledger.RootID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &ReferenceError{Kind: KindClaim, ID: id, Reason: ReasonMissing}
	}
	if err != nil {
		return nil, p.fail(err, "resolve chain root")
	}
	return p.locks.Lock(root), nil
}

func (p *Processor) notifyAll(ctx context.Context, responses []*ClaimResponse) {
	for _, r := range responses {
		p.notify(ctx, r.ID, r.PatientID)
	}
}

func (p *Processor) notify(ctx context.Context, responseID, patientID string) {
	if p.notifier == nil {
		return
	}
	p.notifier.Dispatch(ctx, responseID, patientID)
}

func (p *Processor) fail(err error, step string) error {
	p.logger.Error().Err(err).Str("step", step).Msg("submission processing failed")
	return ErrProcessingFailed
}

func resultLabel(err error) string {
	var (
		verr *ValidationError
		rerr *ReferenceError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &verr):
		return "invalid"
	case errors.As(err, &rerr):
		return "rejected"
	default:
		return "failed"
	}
}
