package engine

import "sync"

// Skip reasons recorded on SKIPPED node executions.
const (
	SkipReasonNoActiveEdge = "no satisfied inbound edge"
	SkipReasonErrorRouting = "upstream failure routed to error path"
	SkipReasonDisabled     = "node disabled"
)

// runState is the private accumulator for one trigger invocation. Never
// shared across concurrent executions; the mutex only guards concurrent
// sibling branches within one DAG run.
type runState struct {
	mu      sync.Mutex
	outputs map[string]any    // node id -> decoded output (at most one entry per node)
	skips   map[string]string // node id -> skip reason (idempotent marking)
	failed  map[string]bool   // node id -> terminally FAILED
	routed  map[string]bool   // node id -> failed with onError=ROUTE_TO_ERROR
	soft    int               // soft failure count (CONTINUE / ROUTE_TO_ERROR)
}

func newRunState() *runState {
	return &runState{
		outputs: make(map[string]any),
		skips:   make(map[string]string),
		failed:  make(map[string]bool),
		routed:  make(map[string]bool),
	}
}

func (s *runState) setOutput(nodeID string, output any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[nodeID] = output
}

func (s *runState) output(nodeID string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outputs[nodeID]
	return out, ok
}

// outputsCopy snapshots the accumulator for scope construction.
func (s *runState) outputsCopy() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]any, len(s.outputs))
	for k, v := range s.outputs {
		cp[k] = v
	}
	return cp
}

// markSkip records a skip reason unless the node already carries one.
// Returns whether this call was the first to mark it.
func (s *runState) markSkip(nodeID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.skips[nodeID]; done {
		return false
	}
	s.skips[nodeID] = reason
	return true
}

func (s *runState) skipReason(nodeID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.skips[nodeID]
	return reason, ok
}

func (s *runState) markFailed(nodeID string, routedToError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[nodeID] = true
	if routedToError {
		s.routed[nodeID] = true
	}
}

func (s *runState) isRouted(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routed[nodeID]
}

func (s *runState) addSoftFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.soft++
}

func (s *runState) softFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.soft
}

// settled reports whether a node has reached an outcome: produced output,
// been skipped, or terminally failed.
func (s *runState) settled(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outputs[nodeID]; ok {
		return true
	}
	if _, ok := s.skips[nodeID]; ok {
		return true
	}
	return s.failed[nodeID]
}
