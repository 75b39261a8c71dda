package entry

import (
	"fmt"

	"github.com/google/uuid"
)

// Version is a totally ordered, 128-bit-ish version stamp. Order is the
// per-node monotonic counter; NodeOrder/DCID distinguish concurrent
// writers across nodes and datacenters; ConflictVersion is an opaque
// value a conflict resolver may use to break ties it cares about, and
// the default comparator orders by it last.
type Version struct {
	Order           uint64
	NodeOrder       uint32
	DCID            uint16
	ConflictVersion uint64
}

// StartVersion is the sentinel meaning "never written". Per invariant 6
// it is never re-used once an entry leaves start state.
var StartVersion = Version{}

// IsStart reports whether v is the start-version sentinel.
func (v Version) IsStart() bool {
	return v == StartVersion
}

func (v Version) String() string {
	return fmt.Sprintf("v{order:%d,node:%d,dc:%d,conflict:%d}", v.Order, v.NodeOrder, v.DCID, v.ConflictVersion)
}

// Compare is the plain total order used for equality checks and for
// conflict-resolver input: Order first, then NodeOrder, then DCID, then
// ConflictVersion. Two versions compare equal only when every component
// matches.
func (v Version) Compare(o Version) int {
	switch {
	case v.Order < o.Order:
		return -1
	case v.Order > o.Order:
		return 1
	}
	switch {
	case v.NodeOrder < o.NodeOrder:
		return -1
	case v.NodeOrder > o.NodeOrder:
		return 1
	}
	switch {
	case v.DCID < o.DCID:
		return -1
	case v.DCID > o.DCID:
		return 1
	}
	switch {
	case v.ConflictVersion < o.ConflictVersion:
		return -1
	case v.ConflictVersion > o.ConflictVersion:
		return 1
	}
	return 0
}

// CompareAtomic is the §4.6 atomic comparator: it folds the datacenter id
// ahead of the order so that updates originating in the same DC follow
// numeric order, while cross-DC updates are ordered by DC id first. Used
// by the atomic-update version check (C8 step 5).
func (v Version) CompareAtomic(o Version) int {
	if v.DCID != o.DCID {
		if v.DCID < o.DCID {
			return -1
		}
		return 1
	}
	return v.Compare(o)
}

// Equal reports whether all components of v and o match.
func (v Version) Equal(o Version) bool {
	return v == o
}

// Next produces the version immediately following v for the given node
// and datacenter, bumping the monotonic order. It never reuses
// StartVersion (invariant 6): the first Next() off the start version
// always yields Order==1.
func (v Version) Next(nodeOrder uint32, dc uint16) Version {
	return Version{
		Order:     v.Order + 1,
		NodeOrder: nodeOrder,
		DCID:      dc,
	}
}

// NodeID is a collision-resistant node identifier used to stamp versions
// and WAL records when a cluster-assigned node id is not configured.
// Generated with uuid rather than a random uint64 because the pack's own
// storage engines (e.g. bobboyms-storage-engine's GenerateKey) use uuid
// for exactly this purpose and stdlib has no equivalent primitive.
type NodeID uuid.UUID

// NewNodeID returns a fresh random node identifier.
func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

func (n NodeID) String() string {
	return uuid.UUID(n).String()
}
