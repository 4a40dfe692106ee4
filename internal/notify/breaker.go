package notify

import (
	"sync"
	"time"
)

// breaker stops deliveries to a host after consecutive failures until a
// cooldown has elapsed, then lets a single probe through.
type breaker struct {
	mu          sync.Mutex
	open        bool
	probing     bool
	failures    int
	lastFailure time.Time
	threshold   int
	cooldown    time.Duration
	now         func() time.Time
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.probing || b.now().Sub(b.lastFailure) < b.cooldown {
		return false
	}
	b.probing = true
	return true
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err == nil {
		b.failures = 0
		b.open = false
		return
	}
	b.failures++
	b.lastFailure = b.now()
	if b.failures >= b.threshold {
		b.open = true
	}
}

// breakers hands out one breaker per destination host, created lazily.
type breakers struct {
	mu        sync.Mutex
	byHost    map[string]*breaker
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func newBreakers(threshold int, cooldown time.Duration) *breakers {
	return &breakers{
		byHost:    make(map[string]*breaker),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (r *breakers) get(host string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byHost[host]
	if !ok {
		b = &breaker{threshold: r.threshold, cooldown: r.cooldown, now: r.now}
		r.byHost[host] = b
	}
	return b
}

func (r *breakers) openCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.byHost {
		b.mu.Lock()
		if b.open {
			n++
		}
		b.mu.Unlock()
	}
	return n
}
