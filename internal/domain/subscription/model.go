package subscription

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type ChannelType string

const (
	ChannelRestHook  ChannelType = "rest-hook"
	ChannelWebSocket ChannelType = "websocket"
)

func (c ChannelType) Valid() bool {
	return c == ChannelRestHook || c == ChannelWebSocket
}

type Status string

const (
	StatusRequested Status = "requested"
	StatusActive    Status = "active"
	StatusError     Status = "error"
)

// Subscription watches one ClaimResponse for one patient.
type Subscription struct {
	ID              string      `db:"id" json:"id"`
	ClaimResponseID string      `db:"claim_response_id" json:"claim_response_id"`
	PatientID       string      `db:"patient_id" json:"patient_id"`
	ChannelType     ChannelType `db:"channel_type" json:"channel_type"`
	Endpoint        string      `db:"endpoint" json:"endpoint,omitempty"`
	Status          Status      `db:"status" json:"status"`
	ErrorText       *string     `db:"error_text" json:"error_text,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// Criteria renders the FHIR criteria string this subscription matches.
func (s *Subscription) Criteria() string {
	return Criteria(s.ClaimResponseID, s.PatientID)
}

// ToFHIR converts the Subscription to a FHIR R4 Subscription resource map.
func (s *Subscription) ToFHIR() map[string]interface{} {
	channel := map[string]interface{}{
		"type": string(s.ChannelType),
	}
	if s.ChannelType == ChannelRestHook {
		channel["endpoint"] = s.Endpoint
		channel["payload"] = "application/fhir+json"
	}

	result := map[string]interface{}{
		"resourceType": "Subscription",
		"id":           s.ID,
		"status":       string(s.Status),
		"reason":       "Prior authorization decision",
		"criteria":     s.Criteria(),
		"channel":      channel,
		"meta": map[string]interface{}{
			"lastUpdated": s.UpdatedAt,
		},
	}
	if s.ErrorText != nil {
		result["error"] = *s.ErrorText
	}
	return result
}

// Criteria builds "ClaimResponse?identifier=<id>&patient.identifier=<pid>".
func Criteria(claimResponseID, patientID string) string {
	q := url.Values{}
	q.Set("identifier", claimResponseID)
	q.Set("patient.identifier", patientID)
	return "ClaimResponse?" + q.Encode()
}

// ParseCriteria extracts the watched ClaimResponse id and patient id. Token
// values in system|value form are accepted.
func ParseCriteria(criteria string) (claimResponseID, patientID string, err error) {
	resource, query, ok := strings.Cut(strings.TrimSpace(criteria), "?")
	if !ok || resource != "ClaimResponse" {
		return "", "", fmt.Errorf("criteria must be a ClaimResponse search, got %q", criteria)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", "", fmt.Errorf("criteria query: %w", err)
	}
	claimResponseID = tokenValue(values.Get("identifier"))
	patientID = tokenValue(values.Get("patient.identifier"))
	if claimResponseID == "" {
		return "", "", fmt.Errorf("criteria is missing identifier")
	}
	if patientID == "" {
		return "", "", fmt.Errorf("criteria is missing patient.identifier")
	}
	return claimResponseID, patientID, nil
}

func tokenValue(v string) string {
	if i := strings.LastIndex(v, "|"); i >= 0 {
		return v[i+1:]
	}
	return v
}
