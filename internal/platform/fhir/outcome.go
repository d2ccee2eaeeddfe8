package fhir

import "fmt"

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by this server.
const (
	IssueTypeInvalid       = "invalid"
	IssueTypeRequired      = "required"
	IssueTypeNotFound      = "not-found"
	IssueTypeConflict      = "conflict"
	IssueTypeProcessing    = "processing"
	IssueTypeBusinessRule  = "business-rule"
	IssueTypeException     = "exception"
	IssueTypeInformational = "informational"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// SuccessOutcome is returned by operations whose result is only an
// acknowledgement, such as $cancel.
func SuccessOutcome(message string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityInformation, IssueTypeInformational, message)
}

// ValidationOutcome creates an OperationOutcome for a malformed input field.
func ValidationOutcome(field, message string) *OperationOutcome {
	oo := NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, fmt.Sprintf("%s: %s", field, message))
	if field != "" {
		oo.Issue[0].Expression = []string{field}
	}
	return oo
}

// BusinessRuleOutcome reports a request that is well formed but refers to a
// resource in the wrong state.
func BusinessRuleOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeBusinessRule, diagnostics)
}

// InternalErrorOutcome creates an OperationOutcome for internal server errors.
func InternalErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, diagnostics)
}
