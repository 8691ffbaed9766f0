// Package liveness tracks the health of one guest instantiation.
//
// The flag moves Uninstantiated -> Starting -> Live and from any of those
// to Dead exactly once. Dead is terminal.
package liveness

import (
	"sync"
	"sync/atomic"
)

// State is the instance health.
type State int32

const (
	Uninstantiated State = iota
	Starting
	Live
	Dead
)

func (s State) String() string {
	switch s {
	case Uninstantiated:
		return "uninstantiated"
	case Starting:
		return "starting"
	case Live:
		return "live"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Observer is notified after every successful transition.
type Observer func(from, to State)

// Flag is the liveness state machine. The zero value is Uninstantiated.
type Flag struct {
	state     atomic.Int32
	observers []Observer
	obsMu     sync.RWMutex
}

// New creates a flag in the Uninstantiated state.
func New() *Flag {
	return &Flag{}
}

// Observe registers an observer for transitions.
func (f *Flag) Observe(o Observer) {
	f.obsMu.Lock()
	defer f.obsMu.Unlock()
	f.observers = append(f.observers, o)
}

// State returns the current state.
func (f *Flag) State() State {
	return State(f.state.Load())
}

// Dead reports whether the flag reached its terminal state.
func (f *Flag) Dead() bool {
	return f.State() == Dead
}

// Start moves Uninstantiated to Starting.
func (f *Flag) Start() bool {
	return f.transition(Uninstantiated, Starting)
}

// Live moves Starting to Live.
func (f *Flag) Live() bool {
	return f.transition(Starting, Live)
}

// Kill moves any non-dead state to Dead. Only the call that performed the
// transition gets true.
func (f *Flag) Kill() bool {
	for {
		cur := State(f.state.Load())
		if cur == Dead {
			return false
		}
		if f.state.CompareAndSwap(int32(cur), int32(Dead)) {
			f.notify(cur, Dead)
			return true
		}
	}
}

func (f *Flag) transition(from, to State) bool {
	if !f.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	f.notify(from, to)
	return true
}

func (f *Flag) notify(from, to State) {
	f.obsMu.RLock()
	defer f.obsMu.RUnlock()
	for _, o := range f.observers {
		o(from, to)
	}
}
