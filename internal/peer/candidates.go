package peer

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Candidate queue bounds.
const (
	DefaultMaxPendingCandidates = 64
	DefaultCandidateTTL         = 30 * time.Second
)

type pendingCandidate struct {
	init webrtc.ICECandidateInit
	at   time.Time
}

// candidateQueue holds remote candidates that arrived before a remote
// description. Entries keep arrival order.
type candidateQueue struct {
	items []pendingCandidate
	max   int
	ttl   time.Duration
	now   func() time.Time
}

func newCandidateQueue(max int, ttl time.Duration, now func() time.Time) *candidateQueue {
	if max <= 0 {
		max = DefaultMaxPendingCandidates
	}
	if ttl <= 0 {
		ttl = DefaultCandidateTTL
	}
	if now == nil {
		now = time.Now
	}
	return &candidateQueue{max: max, ttl: ttl, now: now}
}

// push appends c, dropping the oldest entry when full. It reports whether an
// entry was dropped.
func (q *candidateQueue) push(c webrtc.ICECandidateInit) bool {
	dropped := false
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, pendingCandidate{init: c, at: q.now()})
	return dropped
}

// drain empties the queue and returns the entries younger than the TTL, in
// arrival order, along with the number discarded as stale.
func (q *candidateQueue) drain() ([]webrtc.ICECandidateInit, int) {
	now := q.now()
	fresh := make([]webrtc.ICECandidateInit, 0, len(q.items))
	expired := 0
	for _, p := range q.items {
		if now.Sub(p.at) > q.ttl {
			expired++
			continue
		}
		fresh = append(fresh, p.init)
	}
	q.items = nil
	return fresh, expired
}

func (q *candidateQueue) clear() {
	q.items = nil
}

func (q *candidateQueue) len() int {
	return len(q.items)
}
