package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/priorauth/internal/domain/priorauth"
	"github.com/ehr/priorauth/internal/platform/db"
)

type subscriptionRepoPG struct{ pool *pgxpool.Pool }

// NewSubscriptionRepoPG creates a new PostgreSQL-backed subscription repository.
func NewSubscriptionRepoPG(pool *pgxpool.Pool) Repository {
	return &subscriptionRepoPG{pool: pool}
}

func (r *subscriptionRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const subCols = `id, claim_response_id, patient_id, channel_type, endpoint, status,
	error_text, created_at, updated_at`

func scanSub(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.ClaimResponseID, &s.PatientID, &s.ChannelType,
		&s.Endpoint, &s.Status, &s.ErrorText, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *subscriptionRepoPG) Create(ctx context.Context, sub *Subscription) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO subscriptions (id, claim_response_id, patient_id, channel_type, endpoint, status, error_text)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		sub.ID, sub.ClaimResponseID, sub.PatientID, sub.ChannelType,
		sub.Endpoint, sub.Status, sub.ErrorText).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepoPG) GetByID(ctx context.Context, id string) (*Subscription, error) {
	s, err := scanSub(r.conn(ctx).QueryRow(ctx, `SELECT `+subCols+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, priorauth.NotFound(priorauth.KindSubscription, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

func (r *subscriptionRepoPG) ListByClaimResponse(ctx context.Context, responseID, patientID string) ([]*Subscription, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+subCols+` FROM subscriptions
		WHERE claim_response_id = $1 AND patient_id = $2
		ORDER BY row_seq DESC`, responseID, patientID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	var items []*Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *subscriptionRepoPG) UpdateStatus(ctx context.Context, id string, status Status, errorText *string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE subscriptions SET status=$2, error_text=$3, updated_at=NOW() WHERE id = $1`, id, status, errorText)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return priorauth.NotFound(priorauth.KindSubscription, id)
	}
	return nil
}

func (r *subscriptionRepoPG) Delete(ctx context.Context, id, patientID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM subscriptions WHERE id = $1 AND patient_id = $2`, id, patientID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return priorauth.NotFound(priorauth.KindSubscription, id)
	}
	return nil
}
