package oracle

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPrecondition marks failures that happen before monitoring starts:
// unreachable node, bad key, missing artifacts.
var ErrPrecondition = errors.New("precondition failed")

// Phase is the oracle's lifecycle stage.
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseDeployOrAttach
	PhaseMonitoring
	PhaseDispatching
	PhaseShuttingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseDeployOrAttach:
		return "deploy_or_attach"
	case PhaseMonitoring:
		return "monitoring"
	case PhaseDispatching:
		return "dispatching"
	case PhaseShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// LoopError is returned by Run when the loop cannot continue.
type LoopError struct {
	Phase Phase
	Err   error
}

func (e *LoopError) Error() string { return fmt.Sprintf("oracle %s: %v", e.Phase, e.Err) }

func (e *LoopError) Unwrap() error { return e.Err }

// Snapshot is a point-in-time copy of the loop state.
type Snapshot struct {
	Phase              Phase
	LastProcessedBlock uint64
	HasCursor          bool
	Observed           int
	Confirmed          int
	Failed             int
	Skipped            int
	LastHeartbeat      time.Time
}

// State is owned by one Loop. The heartbeat goroutine only touches the timestamp.
type State struct {
	mu                 sync.Mutex
	phase              Phase
	lastProcessedBlock uint64
	hasCursor          bool
	observed           int
	confirmed          int
	failed             int
	skipped            int

	heartbeat atomic.Int64
}

func (s *State) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// cursor returns the last processed block.
func (s *State) cursor() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessedBlock, s.hasCursor
}

// advance moves the cursor forward; it never moves back.
func (s *State) advance(height uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasCursor && height <= s.lastProcessedBlock {
		return false
	}
	s.lastProcessedBlock = height
	s.hasCursor = true
	return true
}

func (s *State) count(observed, confirmed, failed, skipped int) {
	s.mu.Lock()
	s.observed += observed
	s.confirmed += confirmed
	s.failed += failed
	s.skipped += skipped
	s.mu.Unlock()
}

func (s *State) beat(now time.Time) {
	s.heartbeat.Store(now.UnixNano())
}

// LastHeartbeat is the time of the latest heartbeat, zero before the first one.
func (s *State) LastHeartbeat() time.Time {
	n := s.heartbeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Phase:              s.phase,
		LastProcessedBlock: s.lastProcessedBlock,
		HasCursor:          s.hasCursor,
		Observed:           s.observed,
		Confirmed:          s.confirmed,
		Failed:             s.failed,
		Skipped:            s.skipped,
		LastHeartbeat:      s.LastHeartbeat(),
	}
}
