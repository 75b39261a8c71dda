package entry

import "time"

// TTLAnswer is the sentinel family an ExpiryPolicy returns for a single
// create/update/access decision (spec.md §4.5).
type TTLAnswer int64

const (
	// NotChanged means: retain whatever TTL/expireTime the entry already
	// has (for a start-version entry that means eternal).
	NotChanged TTLAnswer = -1
	// ZeroTTL means: expire immediately.
	ZeroTTL TTLAnswer = 0
	// EternalTTL means: never expire.
	EternalTTL TTLAnswer = -2
	// minPositiveTTL is the sentinel minimum duration substituted when an
	// answer of ZeroTTL still needs a nonzero TTL recorded (§4.5 rule 4).
	minPositiveTTL = time.Millisecond
)

// Positive reports whether a is a concrete positive TTL duration rather
// than one of the three sentinels.
func (a TTLAnswer) Positive() bool {
	return a > 0
}

func (a TTLAnswer) Duration() time.Duration {
	return time.Duration(a)
}

// ExpiryPolicy computes TTL answers for create/update/access events. The
// zero value of any concrete implementation should normally answer
// NotChanged so that an unset policy behaves as "eternal once created,
// never recomputed".
type ExpiryPolicy interface {
	ForCreate() TTLAnswer
	ForUpdate() TTLAnswer
	ForAccess() TTLAnswer
}

// EternalPolicy never expires anything. It is the default when a Context
// is built without an explicit ExpiryPolicy.
type EternalPolicy struct{}

func (EternalPolicy) ForCreate() TTLAnswer { return EternalTTL }
func (EternalPolicy) ForUpdate() TTLAnswer { return NotChanged }
func (EternalPolicy) ForAccess() TTLAnswer { return NotChanged }

// FixedPolicy answers a fixed TTL per event: Create on creation, Update
// on update, Access on access. A zero or negative Create answers
// EternalTTL; a zero or negative Update or Access answers NotChanged.
type FixedPolicy struct {
	Create time.Duration
	Update time.Duration
	Access time.Duration
}

func (p FixedPolicy) ForCreate() TTLAnswer {
	if p.Create <= 0 {
		return EternalTTL
	}
	return TTLAnswer(p.Create)
}

func (p FixedPolicy) ForUpdate() TTLAnswer {
	if p.Update <= 0 {
		return NotChanged
	}
	return TTLAnswer(p.Update)
}

func (p FixedPolicy) ForAccess() TTLAnswer {
	if p.Access <= 0 {
		return NotChanged
	}
	return TTLAnswer(p.Access)
}

// ttlState is the (ttl, expireTime) pair stored in entryExtras. expireTime
// of zero means eternal (invariant 3).
type ttlState struct {
	ttl        time.Duration
	expireTime time.Time
}

func (s ttlState) eternal() bool {
	return s.expireTime.IsZero()
}

// computeTTL implements §4.5: explicit TTL wins; otherwise consult the
// policy's ForCreate/ForUpdate depending on whether the entry had a
// value; NotChanged retains prior state; ZeroTTL forces an already-past
// expireTime; otherwise expireTime = now + ttl.
func computeTTL(now time.Time, prior ttlState, hadValue bool, explicitTTL time.Duration, explicitExpireTime time.Time, policy ExpiryPolicy) ttlState {
	if explicitTTL > 0 {
		return ttlState{ttl: explicitTTL, expireTime: explicitExpireTimeOrCompute(now, explicitTTL, explicitExpireTime)}
	}
	if policy == nil {
		policy = EternalPolicy{}
	}

	var ans TTLAnswer
	if hadValue {
		ans = policy.ForUpdate()
	} else {
		ans = policy.ForCreate()
	}

	switch {
	case ans == NotChanged:
		if !hadValue {
			return ttlState{} // start-version entries retain "eternal"
		}
		return prior
	case ans == EternalTTL:
		return ttlState{}
	case ans == ZeroTTL:
		return ttlState{ttl: minPositiveTTL, expireTime: now.Add(-minPositiveTTL)}
	default:
		return ttlState{ttl: ans.Duration(), expireTime: now.Add(ans.Duration())}
	}
}

func explicitExpireTimeOrCompute(now time.Time, ttl time.Duration, explicit time.Time) time.Time {
	if !explicit.IsZero() {
		return explicit
	}
	return now.Add(ttl)
}

// computeAccessTTL implements the access-time variant of §4.5: same
// shape, but driven by ForAccess and only ever invoked when a value
// already exists.
func computeAccessTTL(now time.Time, prior ttlState, policy ExpiryPolicy) (ttlState, bool) {
	if policy == nil {
		return prior, false
	}
	ans := policy.ForAccess()
	switch ans {
	case NotChanged:
		return prior, false
	case EternalTTL:
		return ttlState{}, true
	case ZeroTTL:
		return ttlState{ttl: minPositiveTTL, expireTime: now.Add(-minPositiveTTL)}, true
	default:
		return ttlState{ttl: ans.Duration(), expireTime: now.Add(ans.Duration())}, true
	}
}

func isExpired(s ttlState, now time.Time) bool {
	return !s.eternal() && !now.Before(s.expireTime)
}
