package device

// Select filters catalog down to the records matching criteria, skipping any
// MAC in excluded or criteria.Exclude. Catalog order is preserved so repeated
// acquisitions try candidates in the same order. No match yields an empty,
// non-nil slice.
func Select(catalog []*Record, criteria Criteria, excluded map[string]struct{}) []*Record {
	skip := make(map[string]struct{}, len(excluded)+len(criteria.Exclude))
	for mac := range excluded {
		if n, err := NormaliseMAC(mac); err == nil {
			skip[n] = struct{}{}
		}
	}
	for _, mac := range criteria.Exclude {
		if n, err := NormaliseMAC(mac); err == nil {
			skip[n] = struct{}{}
		}
	}

	candidates := make([]*Record, 0, len(catalog))
	for _, r := range catalog {
		if r == nil {
			continue
		}
		if _, ok := skip[r.MAC]; ok {
			continue
		}
		if criteria.Matches(r) {
			candidates = append(candidates, r)
		}
	}
	return candidates
}
