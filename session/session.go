// Package session executes dataflow graphs while keeping named variables
// alive across runs and across graph rebuilds.
//
// A Session owns the variable states and a small cache of compiled executors.
// Run routes each call to an executor already compiled for a structurally
// identical graph, or builds a fresh one; either way the setup pipeline
// re-does only the phases invalidated since the previous run (see Executor).
//
// Sessions and everything reachable from them are not safe for concurrent
// use; drive a session from one goroutine at a time.
package session

import (
	"k8s.io/klog/v2"

	"github.com/leo59/tinyflow/backend"
	"github.com/leo59/tinyflow/graph"
)

// DefaultMaxCachedExecutors is the default executor cache capacity.
const DefaultMaxCachedExecutors = 10

// Session owns the variable state map and the executor cache. The variable
// map is the vehicle by which state survives when executors and their graphs
// are discarded and rebuilt.
type Session struct {
	st        *backend.State
	states    map[string]*VarState
	execs     []*execCacheEntry // most recently used first
	maxCached int
}

// execCacheEntry: no hashing, just a short most-recently-used-first list.
type execCacheEntry struct {
	exec     *Executor
	useCount int
}

// Option configures a Session.
type Option func(*Session)

// WithMaxCachedExecutors sets the executor cache capacity. n must be >= 1.
func WithMaxCachedExecutors(n int) Option {
	return func(s *Session) {
		if n >= 1 {
			s.maxCached = n
		}
	}
}

// New creates a Session on the given backend state.
func New(st *backend.State, opts ...Option) *Session {
	s := &Session{
		st:        st,
		states:    make(map[string]*VarState),
		maxCached: DefaultMaxCachedExecutors,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes g with the given placeholder values and returns one output
// tensor per declared graph output, in order. The returned tensors are owned
// by the session and valid until the next Run.
//
// A cached executor is reused only when its graph's outputs match g's exactly
// -- same length, and per output the same node identity, output index and
// version. Any mismatch means a different (or mutated) graph, and a fresh
// executor is built; variable states are never evicted with an executor.
func (s *Session) Run(g *graph.Graph, inputs map[string]*backend.Tensor) ([]*backend.Tensor, error) {
	for i, entry := range s.execs {
		if !outputsMatch(entry.exec.graph.Outputs(), g.Outputs()) {
			continue
		}
		entry.useCount++
		if i != 0 {
			copy(s.execs[1:i+1], s.execs[:i])
			s.execs[0] = entry
		}
		klog.V(1).Infof("tinyflow: session reusing cached executor (%d uses)", entry.useCount)
		return entry.exec.Run(inputs)
	}

	klog.V(1).Infof("tinyflow: session compiling a new executor (%d cached)", len(s.execs))
	entry := &execCacheEntry{exec: newExecutor(s.st, g, s.states), useCount: 1}
	if len(s.execs) >= s.maxCached {
		s.execs = s.execs[:s.maxCached-1] // drop the least recently used
	}
	s.execs = append([]*execCacheEntry{entry}, s.execs...)
	return entry.exec.Run(inputs)
}

// outputsMatch implements the staleness rule: output lists are equivalent iff
// they have the same length and agree entry-wise on node identity, output
// index and version.
func outputsMatch(cached, requested []graph.Output) bool {
	if len(cached) != len(requested) {
		return false
	}
	for i := range cached {
		if cached[i].Node != requested[i].Node ||
			cached[i].Index != requested[i].Index ||
			cached[i].Version != requested[i].Version {
			return false
		}
	}
	return true
}

// Variable returns the state of the named variable, if the session has seen
// it (through a graph or SetVariable).
func (s *Session) Variable(name string) (*VarState, bool) {
	state, found := s.states[name]
	return state, found
}

// SetVariable writes value into the named variable, creating it if needed.
// This is the "external assignment" path: a later Run of a graph reading the
// variable picks up the new shape/dtype through its staleness checks.
func (s *Session) SetVariable(name string, value *backend.Tensor) {
	state, found := s.states[name]
	if !found {
		state = &VarState{}
		s.states[name] = state
	}
	state.set(s.st, value)
}
