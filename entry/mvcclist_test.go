package entry

import "testing"

func TestMVCCList_AtMostOneOwnerAtATime(t *testing.T) {
	l := newMVCCList()
	v1 := Version{Order: 1}
	v2 := Version{Order: 2}

	if tr := l.addLocal(v1, NodeID{}, 1, false); tr != becameOwner {
		t.Fatalf("first candidate should become owner, got %v", tr)
	}
	if tr := l.addLocal(v2, NodeID{}, 2, false); tr != noTransition {
		t.Fatalf("second candidate must not steal ownership while first holds it, got %v", tr)
	}

	owner, ok := l.owner()
	if !ok || owner.version != v1 {
		t.Fatalf("expected v1 to still be owner, got %v (ok=%v)", owner.version, ok)
	}

	if tr := l.removeByVersion(v1); tr != lostOwnership {
		t.Fatalf("removing the owner must report lostOwnership, got %v", tr)
	}
	owner, ok = l.owner()
	if !ok || owner.version != v2 {
		t.Fatalf("expected v2 to be promoted to owner, got %v (ok=%v)", owner.version, ok)
	}
}

func TestMVCCList_ReentryDoesNotDuplicateCandidate(t *testing.T) {
	l := newMVCCList()
	v := Version{Order: 1}
	l.addLocal(v, NodeID{}, 7, false)
	if tr := l.addLocal(v, NodeID{}, 7, false); tr != noTransition {
		t.Fatalf("reentry by the same thread/version must report noTransition, got %v", tr)
	}
	if l.len() != 1 {
		t.Fatalf("reentry must not append a second candidate, len=%d", l.len())
	}
	// A reentrant head is not reported as an owner — it has already been
	// granted once and callers must not re-fire LOCKED for it.
	if _, ok := l.owner(); ok {
		t.Fatal("a reentrant head must not be reported as owner")
	}
}

func TestMVCCList_RemoveUnknownVersionIsNoop(t *testing.T) {
	l := newMVCCList()
	l.addLocal(Version{Order: 1}, NodeID{}, 1, false)
	if tr := l.removeByVersion(Version{Order: 99}); tr != noTransition {
		t.Fatalf("removing a version never added must be a no-op, got %v", tr)
	}
	if l.len() != 1 {
		t.Fatalf("list should be unaffected, len=%d", l.len())
	}
}

func TestMVCCList_IsEmptyExcluding(t *testing.T) {
	l := newMVCCList()
	v := Version{Order: 1}
	l.addLocal(v, NodeID{}, 1, false)
	if !l.isEmptyExcluding(v) {
		t.Fatal("list with only the excluded version should count as empty")
	}
	l.addRemote(Version{Order: 2}, NodeID{}, NodeID{})
	if l.isEmptyExcluding(v) {
		t.Fatal("list with another candidate present should not count as empty")
	}
}

func TestEntryExtras_ObsoleteIsIdempotent(t *testing.T) {
	var x *entryExtras
	v := Version{Order: 3}
	(&x).setObsolete(v)
	got, ok := x.obsolete()
	if !ok || got != v {
		t.Fatalf("expected obsolete(%v), got (%v, %v)", v, got, ok)
	}
	(&x).setObsolete(v) // setting the same version again must not panic or change shape
	got, ok = x.obsolete()
	if !ok || got != v {
		t.Fatalf("idempotent re-set changed state: (%v, %v)", got, ok)
	}
}
