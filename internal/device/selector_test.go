package device

import (
	"reflect"
	"testing"
)

func macs(records []*Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.MAC
	}
	return out
}

func boolPtr(b bool) *bool { return &b }

func testCatalog() []*Record {
	return []*Record{
		{MAC: "00:00:00:00:00:0A", Model: "X", Groups: []string{"g1", "lab-a"}, Category: "settop", Accessible: true},
		{MAC: "00:00:00:00:00:0B", Model: "Y", Groups: []string{"g2"}, Category: "settop", Accessible: true},
		{MAC: "00:00:00:00:00:0C", Model: "X", Groups: []string{"g1", "g2"}, Category: "gateway", Accessible: false},
		{MAC: "00:00:00:00:00:0D", Model: "Z", Category: "settop", Accessible: true},
	}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name     string
		criteria Criteria
		excluded map[string]struct{}
		want     []string
	}{
		{
			name: "no criteria returns catalog order",
			want: []string{"00:00:00:00:00:0A", "00:00:00:00:00:0B", "00:00:00:00:00:0C", "00:00:00:00:00:0D"},
		},
		{
			name:     "model is case-insensitive",
			criteria: Criteria{Model: " x "},
			want:     []string{"00:00:00:00:00:0A", "00:00:00:00:00:0C"},
		},
		{
			name:     "any group",
			criteria: Criteria{Groups: []string{"G2", "lab-a"}},
			want:     []string{"00:00:00:00:00:0A", "00:00:00:00:00:0B", "00:00:00:00:00:0C"},
		},
		{
			name:     "all groups",
			criteria: Criteria{Groups: []string{"g1", "g2"}, GroupMatch: MatchAll},
			want:     []string{"00:00:00:00:00:0C"},
		},
		{
			name:     "conjunctive fields",
			criteria: Criteria{Model: "X", Category: "settop", Accessible: boolPtr(true)},
			want:     []string{"00:00:00:00:00:0A"},
		},
		{
			name:     "inaccessible only",
			criteria: Criteria{Accessible: boolPtr(false)},
			want:     []string{"00:00:00:00:00:0C"},
		},
		{
			name:     "criteria exclude list accepts dashed lowercase",
			criteria: Criteria{Model: "X", Exclude: []string{"00-00-00-00-00-0a"}},
			want:     []string{"00:00:00:00:00:0C"},
		},
		{
			name:     "excluded set",
			criteria: Criteria{Model: "X"},
			excluded: map[string]struct{}{"00:00:00:00:00:0C": {}},
			want:     []string{"00:00:00:00:00:0A"},
		},
		{
			name:     "no match is empty not nil",
			criteria: Criteria{Model: "nonexistent"},
			want:     []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select(testCatalog(), tt.criteria, tt.excluded)
			if got == nil {
				t.Fatal("Select() returned nil slice")
			}
			if !reflect.DeepEqual(macs(got), tt.want) {
				t.Errorf("Select() = %v, want %v", macs(got), tt.want)
			}
		})
	}
}

func TestSelect_TwoDeviceScenario(t *testing.T) {
	catalog := []*Record{
		{MAC: "AA:AA:AA:AA:AA:01", Model: "X", Groups: []string{"G1"}},
		{MAC: "AA:AA:AA:AA:AA:02", Model: "Y", Groups: []string{"G2"}},
	}
	got := Select(catalog, Criteria{Groups: []string{"G1"}}, nil)
	if len(got) != 1 || got[0] != catalog[0] {
		t.Fatalf("Select() = %v, want [A]", macs(got))
	}
}

func TestSelect_Deterministic(t *testing.T) {
	catalog := testCatalog()
	first := macs(Select(catalog, Criteria{Category: "settop"}, nil))
	for i := 0; i < 20; i++ {
		if got := macs(Select(catalog, Criteria{Category: "settop"}, nil)); !reflect.DeepEqual(got, first) {
			t.Fatalf("iteration %d: %v != %v", i, got, first)
		}
	}
}

func TestCriteria_Validate(t *testing.T) {
	if err := (Criteria{GroupMatch: "some"}).Validate(); err == nil {
		t.Error("expected error for unknown group match")
	}
	if err := (Criteria{Exclude: []string{"not-a-mac"}}).Validate(); err == nil {
		t.Error("expected error for malformed exclude entry")
	}
	if err := (Criteria{GroupMatch: MatchAll, Exclude: []string{"00:11:22:33:44:55"}}).Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}
