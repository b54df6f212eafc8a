package fetchpool

import (
	"sync/atomic"
)

// ActiveSet provides snapshots of the live workers.
type ActiveSet interface {
	Active() []Endpoint
}

// Balancer picks workers round robin from the live set.
// Selection is fair as long as the live set is stable; when workers come and
// go the modulus changes and the rotation skips or repeats transiently.
type Balancer struct {
	set     ActiveSet
	counter atomic.Uint64
}

func NewBalancer(set ActiveSet) *Balancer {
	return &Balancer{set: set}
}

// Next returns the worker for the next request.
// The boolean is false when no worker is live; the counter then does not move.
func (b *Balancer) Next() (Endpoint, bool) {
	active := b.set.Active()
	if len(active) == 0 {
		return Endpoint{}, false
	}
	n := b.counter.Add(1) - 1
	return active[n%uint64(len(active))], true
}
