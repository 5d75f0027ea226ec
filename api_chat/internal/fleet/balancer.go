package fleet

import (
	"math/rand"

	"tallyhook/api_chat/internal/worker"
)

// Strategy selects which Worker handle a new channel should join, given
// the current fleet. Variants are the tagged union the Design Notes call
// for in place of strategy-object polymorphism.
type Strategy int

const (
	LeastLoaded Strategy = iota
	RoundRobin
	Random
)

// pick returns the handle a new channel should be routed to under cap,
// or nil if every handle is at capacity and a new Worker must be spawned.
func pick(strategy Strategy, handles []*worker.Handle, cap int, rrCursor *int) *worker.Handle {
	var eligible []*worker.Handle
	for _, h := range handles {
		if h.Load() < cap {
			eligible = append(eligible, h)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	switch strategy {
	case RoundRobin:
		*rrCursor = (*rrCursor + 1) % len(eligible)
		return eligible[*rrCursor]

	case Random:
		return eligible[rand.Intn(len(eligible))]

	default: // LeastLoaded
		best := eligible[0]
		for _, h := range eligible[1:] {
			if h.Load() < best.Load() {
				best = h
			}
		}
		return best
	}
}

func averageLoad(handles []*worker.Handle, cap int) float64 {
	if len(handles) == 0 || cap <= 0 {
		return 0
	}
	total := 0
	for _, h := range handles {
		total += h.Load()
	}
	return float64(total) / float64(len(handles)*cap)
}
