package common

import "sync"

// InFlightRegistry tracks which positions currently have an order in flight.
//
// The reconciler consults it to defer reconciliation for a position while a
// fill is pending; the stop-loss engine and mirror mark entries around order
// placement.
//
// It is safe for concurrent use.
type InFlightRegistry struct {
	mu   sync.Mutex
	keys map[string]int
}

func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{keys: make(map[string]int)}
}

// Begin marks key as having one more in-flight order.
func (r *InFlightRegistry) Begin(key string) {
	r.mu.Lock()
	r.keys[key]++
	r.mu.Unlock()
}

// End releases one in-flight mark for key. It is safe to call End more times
// than Begin; the count clamps at 0.
func (r *InFlightRegistry) End(key string) {
	r.mu.Lock()
	if r.keys[key] > 0 {
		r.keys[key]--
	}
	if r.keys[key] == 0 {
		delete(r.keys, key)
	}
	r.mu.Unlock()
}

// Active reports whether key has at least one in-flight order.
func (r *InFlightRegistry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[key] > 0
}

// ActiveCount returns the number of keys with in-flight orders.
func (r *InFlightRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
