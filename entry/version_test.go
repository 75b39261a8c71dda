package entry_test

import (
	"testing"

	"github.com/okreda1/ignite/entry"
)

func TestVersion_CompareTotalOrder(t *testing.T) {
	base := entry.Version{Order: 5, NodeOrder: 2, DCID: 1}
	cases := []struct {
		name string
		a, b entry.Version
		want int
	}{
		{"equal", base, base, 0},
		{"order wins", entry.Version{Order: 6}, entry.Version{Order: 5, NodeOrder: 99}, 1},
		{"node order tiebreak", entry.Version{Order: 5, NodeOrder: 1}, entry.Version{Order: 5, NodeOrder: 2}, -1},
		{"dc tiebreak", entry.Version{Order: 5, NodeOrder: 2, DCID: 3}, entry.Version{Order: 5, NodeOrder: 2, DCID: 1}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Compare(tc.b); got != tc.want {
				t.Errorf("Compare(%v, %v) = %d, want %d", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestVersion_CompareAtomicOrdersByDCFirst(t *testing.T) {
	local := entry.Version{Order: 100, DCID: 1}
	remoteLowerOrder := entry.Version{Order: 1, DCID: 2}
	if local.CompareAtomic(remoteLowerOrder) >= 0 {
		t.Fatalf("expected local (dc1, order 100) to sort before remote (dc2, order 1) under CompareAtomic")
	}
}

func TestVersion_NextNeverReusesStart(t *testing.T) {
	next := entry.StartVersion.Next(0, 1)
	if next.IsStart() {
		t.Fatal("Next() off StartVersion must not be the start sentinel")
	}
	if next.Order != 1 {
		t.Fatalf("expected Order=1, got %d", next.Order)
	}
}

func TestVersion_StartVersionIsZeroValue(t *testing.T) {
	if !(entry.Version{}).IsStart() {
		t.Fatal("zero-value Version must be the start sentinel")
	}
}

func TestNewNodeID_Unique(t *testing.T) {
	a := entry.NewNodeID()
	b := entry.NewNodeID()
	if a == b {
		t.Fatal("two NewNodeID() calls collided")
	}
}
