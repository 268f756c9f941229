package device

import (
	"fmt"
	"regexp"
	"strings"
)

const maxGroupsPerDevice = 64

var macRegex = regexp.MustCompile(`^[0-9A-F]{2}(:[0-9A-F]{2}){5}$`)

// NormaliseMAC upper-cases a MAC address and converts '-' separators to ':'.
// Inventory records are keyed by the normalised form.
func NormaliseMAC(mac string) (string, error) {
	n := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(mac), "-", ":"))
	if !macRegex.MatchString(n) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	return n, nil
}

// ValidateRecord checks that a record fetched from inventory is usable.
func ValidateRecord(r *Record) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidDevice)
	}
	if _, err := NormaliseMAC(r.MAC); err != nil {
		return err
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("%w: %s has no model", ErrInvalidDevice, r.MAC)
	}
	if len(r.Groups) > maxGroupsPerDevice {
		return fmt.Errorf("%w: %s has %d groups (max %d)", ErrInvalidDevice, r.MAC, len(r.Groups), maxGroupsPerDevice)
	}
	return nil
}

// normaliseTag lowercases and trims a group, model or category name.
func normaliseTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// normaliseTags normalises, de-duplicates and drops empty entries, keeping order.
func normaliseTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		n := normaliseTag(t)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
