package priorauth

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/priorauth/internal/platform/fhir"
)

// ItemCancelledExtensionURL flags a single line item as cancelled.
const ItemCancelledExtensionURL = "http://hl7.org/fhir/us/davinci-pas/StructureDefinition/extension-infoCancelledFlag"

// SubmissionKind classifies a submission.
type SubmissionKind string

const (
	SubmissionNew    SubmissionKind = "new"
	SubmissionUpdate SubmissionKind = "update"
	SubmissionCancel SubmissionKind = "cancel"
)

// ValidationError reports a malformed submission. It is returned before any
// state is changed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// SubmittedItem is one line item as submitted.
type SubmittedItem struct {
	Sequence    int
	ProductCode string
	Cancelled   bool
}

// Submission is a parsed claim submission bundle.
type Submission struct {
	BundleID  string
	PatientID string
	RelatedID string
	Cancel    bool
	Items     []SubmittedItem
	Raw       []byte
}

// Kind classifies the submission. A cancel flag wins over item content.
func (s *Submission) Kind() SubmissionKind {
	switch {
	case s.Cancel:
		return SubmissionCancel
	case s.RelatedID != "":
		return SubmissionUpdate
	default:
		return SubmissionNew
	}
}

// Item returns the submitted item with the given sequence.
func (s *Submission) Item(sequence int) (SubmittedItem, bool) {
	for _, it := range s.Items {
		if it.Sequence == sequence {
			return it, true
		}
	}
	return SubmittedItem{}, false
}

// claimResource is the subset of a FHIR Claim read by the processor.
type claimResource struct {
	ResourceType string         `json:"resourceType"`
	Status       string         `json:"status"`
	Patient      fhir.Reference `json:"patient"`
	Related      []struct {
		Claim fhir.Reference `json:"claim"`
	} `json:"related"`
	Item []struct {
		Sequence          int                   `json:"sequence"`
		ProductOrService  *fhir.CodeableConcept `json:"productOrService"`
		Extension         []fhir.Extension      `json:"extension"`
		ModifierExtension []fhir.Extension      `json:"modifierExtension"`
	} `json:"item"`
}

// ParseSubmission reads a submission bundle. The first Claim entry drives the
// submission; a Bundle without an id is given one.
func ParseSubmission(data []byte) (*Submission, error) {
	bundle, err := fhir.ParseBundle(data)
	if err != nil {
		return nil, &ValidationError{Field: "Bundle", Message: err.Error()}
	}

	var claim *claimResource
	for i, entry := range bundle.Entry {
		if entry.EntryResourceType() != "Claim" {
			continue
		}
		var c claimResource
		if err := json.Unmarshal(entry.Resource, &c); err != nil {
			return nil, invalid(fmt.Sprintf("Bundle.entry[%d]", i), "malformed Claim: %v", err)
		}
		claim = &c
		break
	}
	if claim == nil {
		return nil, invalid("Bundle.entry", "a Claim entry is required")
	}

	sub := &Submission{
		BundleID: bundle.ID,
		Cancel:   claim.Status == string(StatusCancelled),
		Raw:      data,
	}
	if sub.BundleID == "" {
		sub.BundleID = uuid.New().String()
	}

	if claim.Patient.Reference == "" {
		return nil, invalid("Claim.patient", "is required")
	}
	if sub.PatientID, err = fhir.ParseReference(claim.Patient.Reference, "Patient"); err != nil {
		return nil, invalid("Claim.patient", "%v", err)
	}

	if len(claim.Related) > 0 && claim.Related[0].Claim.Reference != "" {
		if sub.RelatedID, err = fhir.ParseReference(claim.Related[0].Claim.Reference, "Claim"); err != nil {
			return nil, invalid("Claim.related[0].claim", "%v", err)
		}
	}
	if sub.Cancel && sub.RelatedID == "" {
		return nil, invalid("Claim.related", "a cancelled Claim must reference the claim it cancels")
	}

	seen := make(map[int]bool, len(claim.Item))
	for i, it := range claim.Item {
		field := fmt.Sprintf("Claim.item[%d].sequence", i)
		if it.Sequence <= 0 {
			return nil, invalid(field, "must be a positive integer")
		}
		if seen[it.Sequence] {
			return nil, invalid(field, "duplicate sequence %d", it.Sequence)
		}
		seen[it.Sequence] = true

		sub.Items = append(sub.Items, SubmittedItem{
			Sequence:    it.Sequence,
			ProductCode: it.ProductOrService.FirstCode(),
			Cancelled: fhir.BoolExtension(it.Extension, ItemCancelledExtensionURL) ||
				fhir.BoolExtension(it.ModifierExtension, ItemCancelledExtensionURL),
		})
	}

	return sub, nil
}
