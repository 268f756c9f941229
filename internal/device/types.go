package device

import (
	"slices"
	"time"
)

// Record is a snapshot of one device as reported by the inventory service.
// The MAC address is the unique key.
type Record struct {
	MAC           string            `json:"mac"`
	ID            string            `json:"id,omitempty"`
	Name          string            `json:"name,omitempty"`
	Model         string            `json:"model"`
	Manufacturer  string            `json:"manufacturer,omitempty"`
	SerialNumber  string            `json:"serial_number,omitempty"`
	Category      string            `json:"category,omitempty"`
	Groups        []string          `json:"groups,omitempty"`
	Accessible    bool              `json:"accessible"`
	RackName      string            `json:"rack_name,omitempty"`
	SlotName      string            `json:"slot_name,omitempty"`
	AccountNumber string            `json:"account_number,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	FetchedAt     time.Time         `json:"fetched_at"`
}

// DeepCopy returns a copy sharing no slices or maps with r.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Groups = slices.Clone(r.Groups)
	if r.Properties != nil {
		cp.Properties = make(map[string]string, len(r.Properties))
		for k, v := range r.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

// InGroup reports whether the record belongs to group (case-insensitive).
func (r *Record) InGroup(group string) bool {
	want := normaliseTag(group)
	for _, g := range r.Groups {
		if normaliseTag(g) == want {
			return true
		}
	}
	return false
}

// GroupMatch selects how Criteria.Groups is applied.
type GroupMatch string

const (
	// MatchAny requires membership in at least one listed group.
	MatchAny GroupMatch = "any"
	// MatchAll requires membership in every listed group.
	MatchAll GroupMatch = "all"
)

// Criteria describes which devices a caller will accept. Zero-valued fields
// impose no constraint.
type Criteria struct {
	Model      string     `json:"model,omitempty"`
	Groups     []string   `json:"groups,omitempty"`
	GroupMatch GroupMatch `json:"group_match,omitempty"`
	Category   string     `json:"category,omitempty"`
	Accessible *bool      `json:"accessible,omitempty"`
	Exclude    []string   `json:"exclude,omitempty"`
}

// Validate checks the criteria for malformed values.
func (c Criteria) Validate() error {
	switch c.GroupMatch {
	case "", MatchAny, MatchAll:
	default:
		return ErrInvalidGroupMatch
	}
	for _, mac := range c.Exclude {
		if _, err := NormaliseMAC(mac); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether r satisfies every set field of c. Exclude is not
// considered here; see Select.
func (c Criteria) Matches(r *Record) bool {
	if c.Model != "" && normaliseTag(c.Model) != normaliseTag(r.Model) {
		return false
	}
	if c.Category != "" && normaliseTag(c.Category) != normaliseTag(r.Category) {
		return false
	}
	if c.Accessible != nil && *c.Accessible != r.Accessible {
		return false
	}
	if len(c.Groups) == 0 {
		return true
	}

	if c.GroupMatch == MatchAll {
		for _, g := range c.Groups {
			if !r.InGroup(g) {
				return false
			}
		}
		return true
	}
	for _, g := range c.Groups {
		if r.InGroup(g) {
			return true
		}
	}
	return false
}
