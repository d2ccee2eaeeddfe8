package priorauth

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ehr/priorauth/internal/platform/fhir"
)

// ClaimStatus is the lifecycle status of a claim, item or response row.
type ClaimStatus string

const (
	StatusActive    ClaimStatus = "active"
	StatusCancelled ClaimStatus = "cancelled"
)

// ItemOutcome is the review outcome of one claim line item.
type ItemOutcome string

const (
	ItemApproved  ItemOutcome = "approved"
	ItemDenied    ItemOutcome = "denied"
	ItemPended    ItemOutcome = "pended"
	ItemCancelled ItemOutcome = "cancelled"
)

func (o ItemOutcome) Valid() bool {
	switch o {
	case ItemApproved, ItemDenied, ItemPended, ItemCancelled:
		return true
	}
	return false
}

// Disposition is the claim-level adjudication verdict.
type Disposition string

const (
	DispositionGranted   Disposition = "granted"
	DispositionDenied    Disposition = "denied"
	DispositionPartial   Disposition = "partial"
	DispositionPending   Disposition = "pending"
	DispositionCancelled Disposition = "cancelled"
	DispositionUnknown   Disposition = "unknown"
)

// RemittanceOutcome is the FHIR ClaimResponse.outcome code.
type RemittanceOutcome string

const (
	OutcomeQueued   RemittanceOutcome = "queued"
	OutcomeComplete RemittanceOutcome = "complete"
	OutcomeError    RemittanceOutcome = "error"
	OutcomePartial  RemittanceOutcome = "partial"
)

// OutcomeFor derives the remittance outcome reported alongside a disposition.
func OutcomeFor(d Disposition) RemittanceOutcome {
	switch d {
	case DispositionPending:
		return OutcomeQueued
	case DispositionPartial:
		return OutcomePartial
	case DispositionUnknown:
		return OutcomeError
	default:
		return OutcomeComplete
	}
}

// Extension and identifier URLs written on ClaimResponse resources.
const (
	ReviewActionExtensionURL = "http://hl7.org/fhir/us/davinci-pas/StructureDefinition/extension-reviewAction"
	IdentifierExtensionURL   = "http://hl7.org/fhir/us/davinci-pas/StructureDefinition/extension-identifier"
	BundleExtensionURL       = "http://hl7.org/fhir/us/davinci-pas/StructureDefinition/extension-originatingBundle"
	ResponseIdentifierSystem = "urn:priorauth:claimresponse"
)

// Claim is one submitted revision of a prior-authorization request. RelatedID
// points at the revision it supersedes.
type Claim struct {
	ID         string      `db:"id" json:"id"`
	PatientID  string      `db:"patient_id" json:"patient_id"`
	RelatedID  *string     `db:"related_id" json:"related_id,omitempty"`
	Status     ClaimStatus `db:"status" json:"status"`
	RawPayload []byte      `db:"raw_payload" json:"-"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

func (cl *Claim) IsCancelled() bool { return cl.Status == StatusCancelled }

func (cl *Claim) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Claim",
		"id":           cl.ID,
		"status":       string(cl.Status),
		"use":          "preauthorization",
		"patient":      fhir.Reference{Reference: fhir.FormatReference("Patient", cl.PatientID)},
		"created":      cl.CreatedAt.UTC().Format(time.RFC3339),
		"meta": fhir.Meta{
			LastUpdated: cl.CreatedAt,
			Profile:     []string{"http://hl7.org/fhir/us/davinci-pas/StructureDefinition/profile-claim"},
		},
	}
	if cl.RelatedID != nil {
		result["related"] = []map[string]interface{}{{
			"claim": fhir.Reference{Reference: fhir.FormatReference("Claim", *cl.RelatedID)},
			"relationship": fhir.CodeableConcept{
				Coding: []fhir.Coding{{
					System: "http://terminology.hl7.org/CodeSystem/ex-relatedclaimrelationship",
					Code:   "prior",
				}},
			},
		}}
	}
	return result
}

// ClaimItem is one line item of a claim, keyed by (ClaimID, Sequence).
type ClaimItem struct {
	ClaimID     string      `db:"claim_id" json:"claim_id"`
	Sequence    int         `db:"sequence" json:"sequence"`
	ProductCode string      `db:"product_code" json:"product_code,omitempty"`
	Status      ClaimStatus `db:"status" json:"status"`
	Outcome     ItemOutcome `db:"outcome" json:"outcome"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// ItemAdjudication records the outcome of one item as seen by a response.
// ClaimID is the claim the item row is stored under, which for an update can
// be the superseded claim.
type ItemAdjudication struct {
	Sequence int         `json:"sequence"`
	ClaimID  string      `json:"claimId"`
	Outcome  ItemOutcome `json:"outcome"`
}

// Outcomes indexes item adjudications by sequence.
func Outcomes(items []ItemAdjudication) map[int]ItemOutcome {
	out := make(map[int]ItemOutcome, len(items))
	for _, it := range items {
		out[it.Sequence] = it.Outcome
	}
	return out
}

// ClaimResponse is the adjudication result of one submission. Its rows are
// versioned: a deferred review or a cancellation appends a new version under
// the same ID instead of overwriting the original.
type ClaimResponse struct {
	ID          string             `db:"id" json:"id"`
	Version     int                `db:"version" json:"version"`
	ClaimID     string             `db:"claim_id" json:"claim_id"`
	PatientID   string             `db:"patient_id" json:"patient_id"`
	BundleID    string             `db:"bundle_id" json:"bundle_id,omitempty"`
	Disposition Disposition        `db:"disposition" json:"disposition"`
	Status      ClaimStatus        `db:"status" json:"status"`
	Outcome     RemittanceOutcome  `db:"outcome" json:"outcome"`
	Items       []ItemAdjudication `db:"items" json:"items,omitempty"`
	CreatedAt   time.Time          `db:"created_at" json:"created_at"`
}

// IsPending reports whether the response is still awaiting review.
func (cr *ClaimResponse) IsPending() bool { return cr.Disposition == DispositionPending }

// NextVersion returns a copy of cr carrying a new disposition. Items are
// rewritten by remap, which may be nil. Version and CreatedAt are left for
// the store to assign.
func (cr *ClaimResponse) NextVersion(d Disposition, status ClaimStatus, remap func(ItemOutcome) ItemOutcome) *ClaimResponse {
	next := *cr
	next.Version = 0
	next.CreatedAt = time.Time{}
	next.Disposition = d
	next.Status = status
	next.Outcome = OutcomeFor(d)
	next.Items = make([]ItemAdjudication, len(cr.Items))
	for i, it := range cr.Items {
		if remap != nil {
			it.Outcome = remap(it.Outcome)
		}
		next.Items[i] = it
	}
	return &next
}

func (cr *ClaimResponse) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "ClaimResponse",
		"id":           cr.ID,
		"status":       string(cr.Status),
		"use":          "preauthorization",
		"type": fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System: "http://terminology.hl7.org/CodeSystem/claim-type",
				Code:   "professional",
			}},
		},
		"patient":     fhir.Reference{Reference: fhir.FormatReference("Patient", cr.PatientID)},
		"created":     cr.CreatedAt.UTC().Format(time.RFC3339),
		"request":     fhir.Reference{Reference: fhir.FormatReference("Claim", cr.ClaimID)},
		"outcome":     string(cr.Outcome),
		"disposition": string(cr.Disposition),
		"preAuthRef":  cr.ID,
		"identifier": []fhir.Identifier{{
			System: ResponseIdentifierSystem,
			Value:  cr.ID,
		}},
		"meta": fhir.Meta{
			VersionID:   fmt.Sprintf("%d", cr.Version),
			LastUpdated: cr.CreatedAt,
			Profile:     []string{"http://hl7.org/fhir/us/davinci-pas/StructureDefinition/profile-claimresponse"},
		},
	}

	exts := []fhir.Extension{{URL: IdentifierExtensionURL, ValueString: cr.ID}}
	if cr.BundleID != "" {
		exts = append(exts, fhir.Extension{URL: BundleExtensionURL, ValueString: fhir.FormatReference("Bundle", cr.BundleID)})
	}
	result["extension"] = exts

	if len(cr.Items) > 0 {
		items := make([]ItemAdjudication, len(cr.Items))
		copy(items, cr.Items)
		sort.Slice(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })

		out := make([]map[string]interface{}, 0, len(items))
		for _, it := range items {
			out = append(out, map[string]interface{}{
				"itemSequence": it.Sequence,
				"extension": []map[string]interface{}{{
					"url": ReviewActionExtensionURL,
					"valueCodeableConcept": fhir.CodeableConcept{
						Coding: []fhir.Coding{{
							System: "https://codesystem.x12.org/005010/306",
							Code:   string(it.Outcome),
						}},
					},
				}},
				"adjudication": []map[string]interface{}{{
					"category": fhir.CodeableConcept{
						Coding: []fhir.Coding{{
							System: "http://terminology.hl7.org/CodeSystem/adjudication",
							Code:   "submitted",
						}},
					},
				}},
			})
		}
		result["item"] = out
	}
	return result
}

// encodeItems and decodeItems store item adjudications as JSON.
func encodeItems(items []ItemAdjudication) ([]byte, error) {
	if items == nil {
		items = []ItemAdjudication{}
	}
	return json.Marshal(items)
}

func decodeItems(data []byte) ([]ItemAdjudication, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var items []ItemAdjudication
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}
