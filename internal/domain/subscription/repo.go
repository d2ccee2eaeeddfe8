package subscription

import "context"

// Repository stores subscriptions. Missing rows return an error matching
// priorauth.ErrNotFound.
type Repository interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByID(ctx context.Context, id string) (*Subscription, error)
	// ListByClaimResponse returns the subscriptions watching responseID for
	// patientID, most recent first.
	ListByClaimResponse(ctx context.Context, responseID, patientID string) ([]*Subscription, error)
	UpdateStatus(ctx context.Context, id string, status Status, errorText *string) error
	Delete(ctx context.Context, id, patientID string) error
}
