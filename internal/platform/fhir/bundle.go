package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// EntryResourceType peeks at the resourceType of an entry without decoding
// the rest of the resource.
func (e BundleEntry) EntryResourceType() string {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if len(e.Resource) == 0 || json.Unmarshal(e.Resource, &head) != nil {
		return ""
	}
	return head.ResourceType
}

// ParseBundle decodes raw JSON into a Bundle and checks its resourceType.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected resourceType Bundle, got %q", b.ResourceType)
	}
	return &b, nil
}

// NewSearchBundle creates a searchset Bundle from a list of resources.
// It populates fullUrl for each entry and sets a self link.
func NewSearchBundle(resources []map[string]interface{}, baseURL string) *Bundle {
	now := time.Now().UTC()
	total := len(resources)
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		raw, _ := json.Marshal(r)
		entries[i] = BundleEntry{
			FullURL:  extractFullURL(r),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         []BundleLink{{Relation: "self", URL: baseURL}},
		Entry:        entries,
	}
}

func extractFullURL(m map[string]interface{}) string {
	rt, _ := m["resourceType"].(string)
	id, _ := m["id"].(string)
	if rt != "" && id != "" {
		return FormatReference(rt, id)
	}
	return ""
}
