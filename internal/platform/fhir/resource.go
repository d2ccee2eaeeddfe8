package fhir

import (
	"fmt"
	"strings"
	"time"
)

// Resource is the base FHIR resource representation.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCode returns the code of the first coding, or "".
func (cc *CodeableConcept) FirstCode() string {
	if cc == nil || len(cc.Coding) == 0 {
		return ""
	}
	return cc.Coding[0].Code
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type Extension struct {
	URL          string `json:"url"`
	ValueString  string `json:"valueString,omitempty"`
	ValueCode    string `json:"valueCode,omitempty"`
	ValueBoolean *bool  `json:"valueBoolean,omitempty"`
	ValueInteger *int   `json:"valueInteger,omitempty"`
}

// BoolExtension reports whether exts carries url with valueBoolean true.
func BoolExtension(exts []Extension, url string) bool {
	for _, e := range exts {
		if e.URL == url && e.ValueBoolean != nil && *e.ValueBoolean {
			return true
		}
	}
	return false
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// ParseReference splits a relative reference such as "Patient/123" and checks
// the resource type. Absolute URLs are accepted; the last two path segments
// are used.
func ParseReference(ref, resourceType string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty %s reference", resourceType)
	}
	parts := strings.Split(strings.TrimSuffix(ref, "/"), "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("reference %q is not of the form %s/<id>", ref, resourceType)
	}
	rt, id := parts[len(parts)-2], parts[len(parts)-1]
	if rt != resourceType {
		return "", fmt.Errorf("reference %q must point to a %s", ref, resourceType)
	}
	if id == "" {
		return "", fmt.Errorf("reference %q has no id", ref)
	}
	return id, nil
}
