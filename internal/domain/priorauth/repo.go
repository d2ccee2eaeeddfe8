package priorauth

import (
	"context"
	"errors"
	"fmt"
)

// Kind names a logical record type held by the store.
type Kind string

const (
	KindClaim         Kind = "claim"
	KindClaimItem     Kind = "claim_item"
	KindClaimResponse Kind = "claim_response"
	KindSubscription  Kind = "subscription"
)

// ErrNotFound is matched by every store error for a missing record.
var ErrNotFound = errors.New("record not found")

// NotFoundError identifies the missing record.
type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a *NotFoundError.
func NotFound(kind Kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

type ClaimRepository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id string) (*Claim, error)
	GetByIDForPatient(ctx context.Context, id, patientID string) (*Claim, error)
	// ListSuccessors returns the claims whose RelatedID is id, most recent first.
	ListSuccessors(ctx context.Context, id string) ([]*Claim, error)
	UpdateStatus(ctx context.Context, id string, status ClaimStatus) error
	Delete(ctx context.Context, id, patientID string) error
}

type ClaimItemRepository interface {
	Create(ctx context.Context, item *ClaimItem) error
	Get(ctx context.Context, claimID string, sequence int) (*ClaimItem, error)
	ListByClaim(ctx context.Context, claimID string) ([]*ClaimItem, error)
	Update(ctx context.Context, claimID string, sequence int, status ClaimStatus, outcome ItemOutcome) error
	// UpdateAllForClaim overwrites every item of the claim and returns how
	// many rows changed.
	UpdateAllForClaim(ctx context.Context, claimID string, status ClaimStatus, outcome ItemOutcome) (int, error)
}

type ClaimResponseRepository interface {
	// Create appends a version of cr.ID and sets cr.Version and cr.CreatedAt.
	Create(ctx context.Context, cr *ClaimResponse) error
	// GetByID returns the latest version.
	GetByID(ctx context.Context, id string) (*ClaimResponse, error)
	// GetLatestForClaim returns the latest version of the most recent
	// response produced for claimID.
	GetLatestForClaim(ctx context.Context, claimID string) (*ClaimResponse, error)
	// ListByPatient returns the latest version of each response, most recent first.
	ListByPatient(ctx context.Context, patientID string) ([]*ClaimResponse, error)
}
