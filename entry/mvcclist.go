package entry

// mvccCandidate is a single lock claim on an entry by a (node, thread,
// version) triple. It can be local (same node as the entry's primary) or
// remote, and a local candidate can be a reentry of one already held by
// the same thread.
type mvccCandidate struct {
	version      Version
	nodeID       NodeID
	threadID     uint64
	reentry      bool
	local        bool
	nearLocal    bool
	otherNodeID  NodeID
	hasOtherNode bool
}

// mvccList is the ordered candidate list of C4. The head of the list,
// when non-reentrant, is the owner (invariant 5: at most one owner at any
// time). Ownership transitions are reported to the caller so C11 can
// emit LOCKED/UNLOCKED events while the caller still holds entryLock.
type mvccList struct {
	candidates []mvccCandidate
}

func newMVCCList() *mvccList {
	return &mvccList{}
}

func (l *mvccList) isEmpty() bool {
	return l == nil || len(l.candidates) == 0
}

// isEmptyExcluding reports whether the list has no candidates other than
// one matching excludeVersion — used by remove()'s non-deferred-delete
// obsolete attempt, which must only succeed when no other transaction
// holds a claim.
func (l *mvccList) isEmptyExcluding(exclude Version) bool {
	if l.isEmpty() {
		return true
	}
	for _, c := range l.candidates {
		if c.version != exclude {
			return false
		}
	}
	return true
}

// owner returns the head candidate if it is non-reentrant, i.e. the
// candidate currently holding exclusive ownership of the entry.
func (l *mvccList) owner() (mvccCandidate, bool) {
	if l.isEmpty() {
		return mvccCandidate{}, false
	}
	head := l.candidates[0]
	if head.reentry {
		return mvccCandidate{}, false
	}
	return head, true
}

// isOwnedBy reports whether v currently holds the owner slot.
func (l *mvccList) isOwnedBy(v Version) bool {
	owner, ok := l.owner()
	return ok && owner.version == v
}

// localCandidate finds the local candidate claimed by threadID, if any.
func (l *mvccList) localCandidate(threadID uint64) (mvccCandidate, bool) {
	for _, c := range l.candidates {
		if c.local && c.threadID == threadID {
			return c, true
		}
	}
	return mvccCandidate{}, false
}

// isLocallyOwnedByThread reports whether the current owner is a local
// candidate held by threadID.
func (l *mvccList) isLocallyOwnedByThread(threadID uint64) bool {
	owner, ok := l.owner()
	return ok && owner.local && owner.threadID == threadID
}

// lockTransition describes what happened to ownership as a result of an
// add/remove, so the caller can decide whether to emit LOCKED/UNLOCKED.
type lockTransition int

const (
	noTransition lockTransition = iota
	becameOwner
	lostOwnership
)

// addLocal appends a local candidate. Returns becameOwner if the list was
// previously empty (this candidate is now the sole, non-reentrant head).
func (l *mvccList) addLocal(v Version, nodeID NodeID, threadID uint64, nearLocal bool) lockTransition {
	wasEmpty := l.isEmpty()
	if existing, ok := l.localCandidate(threadID); ok && existing.version == v {
		// Reentry: same thread re-acquiring the same version.
		for i := range l.candidates {
			if l.candidates[i].threadID == threadID && l.candidates[i].version == v {
				l.candidates[i].reentry = true
			}
		}
		return noTransition
	}
	l.candidates = append(l.candidates, mvccCandidate{
		version: v, nodeID: nodeID, threadID: threadID, local: true, nearLocal: nearLocal,
	})
	if wasEmpty {
		return becameOwner
	}
	return noTransition
}

// addRemote appends a remote candidate originating from otherNodeID.
func (l *mvccList) addRemote(v Version, nodeID, otherNodeID NodeID) lockTransition {
	wasEmpty := l.isEmpty()
	l.candidates = append(l.candidates, mvccCandidate{
		version: v, nodeID: nodeID, otherNodeID: otherNodeID, hasOtherNode: true,
	})
	if wasEmpty {
		return becameOwner
	}
	return noTransition
}

// removeByVersion removes the candidate matching v. Returns lostOwnership
// if v was the owner and removing it empties the list or promotes a new
// head (either way, the old owner lost ownership).
func (l *mvccList) removeByVersion(v Version) lockTransition {
	if l.isEmpty() {
		return noTransition
	}
	wasOwner := l.isOwnedBy(v)
	idx := -1
	for i, c := range l.candidates {
		if c.version == v {
			idx = i
			break
		}
	}
	if idx < 0 {
		return noTransition
	}
	l.candidates = append(l.candidates[:idx], l.candidates[idx+1:]...)
	if wasOwner {
		return lostOwnership
	}
	return noTransition
}

func (l *mvccList) len() int {
	if l == nil {
		return 0
	}
	return len(l.candidates)
}
