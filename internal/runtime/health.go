package runtime

// HealthState is the aggregated runtime condition.
type HealthState string

const (
	StateHealthy  HealthState = "Healthy"
	StateDegraded HealthState = "Degraded"
	StateFailing  HealthState = "Failing"
)

// RolloutGate is the operator-facing promote/hold signal. It is a pure
// function of the health state so operators never interpret raw counters.
type RolloutGate string

const (
	GatePass RolloutGate = "pass"
	GateHold RolloutGate = "hold"
)

// FailingStreakThreshold is the failure streak at which health becomes
// Failing.
const FailingStreakThreshold = 3

// Snapshot is the persisted health aggregate, mutated exactly once per cycle.
type Snapshot struct {
	UpdatedUnixMS       int64       `json:"updated_unix_ms"`
	CycleDurationMS     int64       `json:"cycle_duration_ms"`
	QueueDepth          int         `json:"queue_depth"`
	ActiveRuns          int         `json:"active_runs"`
	FailureStreak       int         `json:"failure_streak"`
	LastCycleDiscovered int         `json:"last_cycle_discovered"`
	LastCycleProcessed  int         `json:"last_cycle_processed"`
	LastCycleCompleted  int         `json:"last_cycle_completed"`
	LastCycleFailed     int         `json:"last_cycle_failed"`
	LastCycleDuplicates int         `json:"last_cycle_duplicates"`
	HealthState         HealthState `json:"health_state"`
	RolloutGate         RolloutGate `json:"rollout_gate"`
}

// NewSnapshot returns the initial healthy snapshot used before any cycle has
// run or when no persisted snapshot exists.
func NewSnapshot() Snapshot {
	return Snapshot{HealthState: StateHealthy, RolloutGate: GatePass}
}

// CycleStats carries one cycle's counters into the snapshot update.
type CycleStats struct {
	Discovered int
	Processed  int
	Completed  int
	Failed     int
	Duplicates int
	Deferred   int
	Retries    int
}

// ApplyCycle folds one finished cycle into the snapshot. A cycle with any
// failure increments the streak; a clean cycle resets it. Queue depth holds
// the state at Degraded even when the streak is zero.
func (s *Snapshot) ApplyCycle(stats CycleStats, nowUnixMS, durationMS int64) {
	if stats.Failed > 0 {
		s.FailureStreak++
	} else {
		s.FailureStreak = 0
	}
	s.UpdatedUnixMS = nowUnixMS
	s.CycleDurationMS = durationMS
	s.QueueDepth = stats.Deferred
	s.ActiveRuns = 0
	s.LastCycleDiscovered = stats.Discovered
	s.LastCycleProcessed = stats.Processed
	s.LastCycleCompleted = stats.Completed
	s.LastCycleFailed = stats.Failed
	s.LastCycleDuplicates = stats.Duplicates
	s.HealthState = classify(s.FailureStreak, s.QueueDepth)
	s.RolloutGate = gateFor(s.HealthState)
}

func classify(failureStreak, queueDepth int) HealthState {
	switch {
	case failureStreak >= FailingStreakThreshold:
		return StateFailing
	case failureStreak > 0 || queueDepth > 0:
		return StateDegraded
	default:
		return StateHealthy
	}
}

func gateFor(state HealthState) RolloutGate {
	if state == StateHealthy {
		return GatePass
	}
	return GateHold
}
