package priorauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/priorauth/internal/platform/db"
)

// notFound maps pgx.ErrNoRows to the store's not-found error.
func notFound(err error, kind Kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFound(kind, id)
	}
	return err
}

// =========== Claim Repository ===========

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository { return &claimRepoPG{pool: pool} }

func (r *claimRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const claimCols = `id, patient_id, related_id, status, raw_payload, created_at`

func (r *claimRepoPG) scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.PatientID, &c.RelatedID, &c.Status, &c.RawPayload, &c.CreatedAt)
	return &c, err
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claims (id, patient_id, related_id, status, raw_payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		c.ID, c.PatientID, c.RelatedID, c.Status, c.RawPayload).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert claim %s: %w", c.ID, err)
	}
	return nil
}

func (r *claimRepoPG) GetByID(ctx context.Context, id string) (*Claim, error) {
	c, err := r.scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, KindClaim, id)
	}
	return c, nil
}

func (r *claimRepoPG) GetByIDForPatient(ctx context.Context, id, patientID string) (*Claim, error) {
	c, err := r.scanClaim(r.conn(ctx).QueryRow(ctx,
		`SELECT `+claimCols+` FROM claims WHERE id = $1 AND patient_id = $2`, id, patientID))
	if err != nil {
		return nil, notFound(err, KindClaim, id)
	}
	return c, nil
}

func (r *claimRepoPG) ListSuccessors(ctx context.Context, id string) ([]*Claim, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+claimCols+` FROM claims WHERE related_id = $1 ORDER BY created_at DESC, row_seq DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("list successors of %s: %w", id, err)
	}
	defer rows.Close()

	var out []*Claim
	for rows.Next() {
		c, err := r.scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *claimRepoPG) UpdateStatus(ctx context.Context, id string, status ClaimStatus) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE claims SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update claim %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound(KindClaim, id)
	}
	return nil
}

func (r *claimRepoPG) Delete(ctx context.Context, id, patientID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM claims WHERE id = $1 AND patient_id = $2`, id, patientID)
	if err != nil {
		return fmt.Errorf("delete claim %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound(KindClaim, id)
	}
	return nil
}

// =========== Claim Item Repository ===========

type claimItemRepoPG struct{ pool *pgxpool.Pool }

func NewClaimItemRepoPG(pool *pgxpool.Pool) ClaimItemRepository { return &claimItemRepoPG{pool: pool} }

func (r *claimItemRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const itemCols = `claim_id, sequence, product_code, status, outcome, updated_at`

func (r *claimItemRepoPG) scanItem(row pgx.Row) (*ClaimItem, error) {
	var it ClaimItem
	err := row.Scan(&it.ClaimID, &it.Sequence, &it.ProductCode, &it.Status, &it.Outcome, &it.UpdatedAt)
	return &it, err
}

func (r *claimItemRepoPG) Create(ctx context.Context, item *ClaimItem) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim_items (claim_id, sequence, product_code, status, outcome)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING updated_at`,
		item.ClaimID, item.Sequence, item.ProductCode, item.Status, item.Outcome).Scan(&item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert item %s/%d: %w", item.ClaimID, item.Sequence, err)
	}
	return nil
}

func (r *claimItemRepoPG) Get(ctx context.Context, claimID string, sequence int) (*ClaimItem, error) {
	it, err := r.scanItem(r.conn(ctx).QueryRow(ctx,
		`SELECT `+itemCols+` FROM claim_items WHERE claim_id = $1 AND sequence = $2`, claimID, sequence))
	if err != nil {
		return nil, notFound(err, KindClaimItem, claimID)
	}
	return it, nil
}

func (r *claimItemRepoPG) ListByClaim(ctx context.Context, claimID string) ([]*ClaimItem, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM claim_items WHERE claim_id = $1 ORDER BY sequence`, claimID)
	if err != nil {
		return nil, fmt.Errorf("list items of %s: %w", claimID, err)
	}
	defer rows.Close()

	var out []*ClaimItem
	for rows.Next() {
		it, err := r.scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *claimItemRepoPG) Update(ctx context.Context, claimID string, sequence int, status ClaimStatus, outcome ItemOutcome) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claim_items SET status = $3, outcome = $4, updated_at = NOW()
		WHERE claim_id = $1 AND sequence = $2`,
		claimID, sequence, status, outcome)
	if err != nil {
		return fmt.Errorf("update item %s/%d: %w", claimID, sequence, err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound(KindClaimItem, claimID)
	}
	return nil
}

func (r *claimItemRepoPG) UpdateAllForClaim(ctx context.Context, claimID string, status ClaimStatus, outcome ItemOutcome) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claim_items SET status = $2, outcome = $3, updated_at = NOW()
		WHERE claim_id = $1`,
		claimID, status, outcome)
	if err != nil {
		return 0, fmt.Errorf("update items of %s: %w", claimID, err)
	}
	return int(tag.RowsAffected()), nil
}

// =========== Claim Response Repository ===========

type claimResponseRepoPG struct{ pool *pgxpool.Pool }

func NewClaimResponseRepoPG(pool *pgxpool.Pool) ClaimResponseRepository {
	return &claimResponseRepoPG{pool: pool}
}

func (r *claimResponseRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const responseCols = `id, version, claim_id, patient_id, bundle_id, disposition, status, outcome, items, created_at`

// latestResponses selects the newest version of each response id.
const latestResponses = `SELECT DISTINCT ON (id) ` + responseCols + `, first_seq FROM (
		SELECT ` + responseCols + `, MIN(row_seq) OVER (PARTITION BY id) AS first_seq
		FROM claim_responses %s
	) v ORDER BY id, version DESC`

func (r *claimResponseRepoPG) scanResponse(row pgx.Row, extra ...interface{}) (*ClaimResponse, error) {
	var cr ClaimResponse
	var items []byte
	dest := []interface{}{&cr.ID, &cr.Version, &cr.ClaimID, &cr.PatientID, &cr.BundleID,
		&cr.Disposition, &cr.Status, &cr.Outcome, &items, &cr.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	decoded, err := decodeItems(items)
	if err != nil {
		return nil, fmt.Errorf("decode items of response %s: %w", cr.ID, err)
	}
	cr.Items = decoded
	return &cr, nil
}

func (r *claimResponseRepoPG) Create(ctx context.Context, cr *ClaimResponse) error {
	items, err := encodeItems(cr.Items)
	if err != nil {
		return fmt.Errorf("encode items of response %s: %w", cr.ID, err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim_responses (id, version, claim_id, patient_id, bundle_id, disposition, status, outcome, items)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5, $6, $7, $8
		FROM claim_responses WHERE id = $1
		RETURNING version, created_at`,
		cr.ID, cr.ClaimID, cr.PatientID, cr.BundleID, cr.Disposition, cr.Status, cr.Outcome, items,
	).Scan(&cr.Version, &cr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert response %s: %w", cr.ID, err)
	}
	return nil
}

func (r *claimResponseRepoPG) GetByID(ctx context.Context, id string) (*ClaimResponse, error) {
	cr, err := r.scanResponse(r.conn(ctx).QueryRow(ctx,
		`SELECT `+responseCols+` FROM claim_responses WHERE id = $1 ORDER BY version DESC LIMIT 1`, id))
	if err != nil {
		return nil, notFound(err, KindClaimResponse, id)
	}
	return cr, nil
}

func (r *claimResponseRepoPG) listLatest(ctx context.Context, where string, arg string) ([]*ClaimResponse, error) {
	query := `SELECT * FROM (` + fmt.Sprintf(latestResponses, where) + `) l ORDER BY first_seq DESC`
	rows, err := r.conn(ctx).Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var out []*ClaimResponse
	for rows.Next() {
		var firstSeq int64
		cr, err := r.scanResponse(rows, &firstSeq)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (r *claimResponseRepoPG) GetLatestForClaim(ctx context.Context, claimID string) (*ClaimResponse, error) {
	found, err := r.listLatest(ctx, `WHERE claim_id = $1`, claimID)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, NotFound(KindClaimResponse, claimID)
	}
	return found[0], nil
}

func (r *claimResponseRepoPG) ListByPatient(ctx context.Context, patientID string) ([]*ClaimResponse, error) {
	return r.listLatest(ctx, `WHERE patient_id = $1`, patientID)
}
