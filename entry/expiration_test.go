package entry

import (
	"testing"
	"time"
)

func TestComputeTTL_ExplicitTTLWinsOverPolicy(t *testing.T) {
	now := time.Now()
	s := computeTTL(now, ttlState{}, false, 5*time.Second, time.Time{}, FixedPolicy{Create: time.Minute})
	if s.ttl != 5*time.Second {
		t.Fatalf("explicit TTL should win, got ttl=%v", s.ttl)
	}
}

func TestComputeTTL_EternalPolicyOnCreateStaysEternal(t *testing.T) {
	now := time.Now()
	s := computeTTL(now, ttlState{}, false, 0, time.Time{}, EternalPolicy{})
	if !s.eternal() {
		t.Fatal("EternalPolicy.ForCreate must leave the entry eternal")
	}
}

func TestComputeTTL_NotChangedOnUpdateRetainsPrior(t *testing.T) {
	now := time.Now()
	prior := ttlState{ttl: time.Minute, expireTime: now.Add(time.Minute)}
	s := computeTTL(now, prior, true, 0, time.Time{}, FixedPolicy{}) // FixedPolicy.ForUpdate() == NotChanged when Update<=0
	if s != prior {
		t.Fatalf("NotChanged on update must retain prior ttlState, got %v want %v", s, prior)
	}
}

func TestComputeTTL_ZeroTTLExpiresImmediately(t *testing.T) {
	now := time.Now()
	s := computeTTL(now, ttlState{}, false, 0, time.Time{}, FixedPolicy{Create: 0})
	_ = s // FixedPolicy{Create:0} answers EternalTTL, not ZeroTTL — sanity check of the helper below instead.

	policy := zeroTTLPolicy{}
	s = computeTTL(now, ttlState{}, false, 0, time.Time{}, policy)
	if !isExpired(s, now) {
		t.Fatal("ZeroTTL answer must produce an already-expired ttlState")
	}
}

type zeroTTLPolicy struct{}

func (zeroTTLPolicy) ForCreate() TTLAnswer { return ZeroTTL }
func (zeroTTLPolicy) ForUpdate() TTLAnswer { return ZeroTTL }
func (zeroTTLPolicy) ForAccess() TTLAnswer { return ZeroTTL }

func TestIsExpired(t *testing.T) {
	now := time.Now()
	if isExpired(ttlState{}, now) {
		t.Fatal("eternal ttlState must never be expired")
	}
	future := ttlState{expireTime: now.Add(time.Hour)}
	if isExpired(future, now) {
		t.Fatal("future expireTime must not be expired yet")
	}
	past := ttlState{expireTime: now.Add(-time.Hour)}
	if !isExpired(past, now) {
		t.Fatal("past expireTime must be expired")
	}
}
