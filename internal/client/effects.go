package client

import (
	"sort"
	"sync"
	"time"
)

const DefaultEffectTTL = 4 * time.Second

// Effect is one floating reaction. Keys increase monotonically and are never
// reused, so a renderer can key on them.
type Effect struct {
	Key       uint64
	CreatedAt time.Time
}

// Effects holds the reaction effects currently on screen. Each effect
// removes itself after the TTL.
type Effects struct {
	mu      sync.Mutex
	ttl     time.Duration
	nextKey uint64
	active  map[uint64]Effect
	timers  map[uint64]*time.Timer
	closed  bool
}

func NewEffects(ttl time.Duration) *Effects {
	if ttl <= 0 {
		ttl = DefaultEffectTTL
	}
	return &Effects{
		ttl:    ttl,
		active: make(map[uint64]Effect),
		timers: make(map[uint64]*time.Timer),
	}
}

// Spawn adds an effect and returns its key.
func (e *Effects) Spawn() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0
	}

	e.nextKey++
	key := e.nextKey
	e.active[key] = Effect{Key: key, CreatedAt: time.Now()}
	e.timers[key] = time.AfterFunc(e.ttl, func() { e.remove(key) })

	return key
}

func (e *Effects) remove(key uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, key)
	delete(e.timers, key)
}

// Active returns the live effects ordered by key.
func (e *Effects) Active() []Effect {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Effect, 0, len(e.active))
	for _, effect := range e.active {
		out = append(out, effect)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (e *Effects) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Close cancels pending removals and drops every effect.
func (e *Effects) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	for key, timer := range e.timers {
		timer.Stop()
		delete(e.timers, key)
	}
	clear(e.active)
}
