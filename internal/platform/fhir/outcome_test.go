package fhir

import "testing"

func TestValidationOutcome(t *testing.T) {
	oo := ValidationOutcome("Claim.patient", "is required")
	if oo.ResourceType != "OperationOutcome" || len(oo.Issue) != 1 {
		t.Fatalf("unexpected outcome %+v", oo)
	}
	issue := oo.Issue[0]
	if issue.Code != IssueTypeInvalid || issue.Diagnostics != "Claim.patient: is required" {
		t.Errorf("unexpected issue %+v", issue)
	}
	if len(issue.Expression) != 1 || issue.Expression[0] != "Claim.patient" {
		t.Errorf("expected expression Claim.patient, got %v", issue.Expression)
	}
	if !oo.HasErrors() {
		t.Error("validation outcome should report errors")
	}
}

func TestOutcomeCodes(t *testing.T) {
	tests := []struct {
		name     string
		oo       *OperationOutcome
		code     string
		severity string
	}{
		{"not found", NotFoundOutcome("Claim", "c1"), IssueTypeNotFound, IssueSeverityError},
		{"business rule", BusinessRuleOutcome("claim c1 is cancelled"), IssueTypeBusinessRule, IssueSeverityError},
		{"internal", InternalErrorOutcome("processing failed"), IssueTypeException, IssueSeverityFatal},
		{"error", ErrorOutcome("bad body"), IssueTypeProcessing, IssueSeverityError},
		{"success", SuccessOutcome("Claim/c1 cancelled"), IssueTypeInformational, IssueSeverityInformation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := tt.oo.Issue[0]
			if issue.Code != tt.code || issue.Severity != tt.severity {
				t.Errorf("got %s/%s, want %s/%s", issue.Severity, issue.Code, tt.severity, tt.code)
			}
		})
	}

	if NotFoundOutcome("Claim", "c1").Issue[0].Diagnostics != "Claim/c1 not found" {
		t.Error("unexpected not-found diagnostics")
	}
	if SuccessOutcome("ok").HasErrors() {
		t.Error("success outcome should not report errors")
	}
}
