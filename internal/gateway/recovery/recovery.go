// Package recovery implements the RecoveryManager (§4.7): the single
// authority for whether KillSwitch, CircuitBreaker, and PositionReservation
// are available. Every flag defaults to unavailable until a liveness probe
// succeeds; any observed runtime error re-arms the flag. OrderAdmission
// consults this instead of holding its own references to those components.
package recovery

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/execgateway/core/pkg/observability"
)

// Prober is a liveness check for one safety component.
type Prober func(ctx context.Context) error

// SchedulerRestarter restarts the (non-safety) SliceScheduler once
// KillSwitch and CircuitBreaker are both healthy.
type SchedulerRestarter func(ctx context.Context) error

// Manager tracks availability flags for the three safety components and
// opportunistically restarts the scheduler. All flags start unavailable
// (true means "unavailable", matching the source's fail-closed default).
type Manager struct {
	killSwitchUnavailable       atomic.Bool
	circuitBreakerUnavailable   atomic.Bool
	positionReservationUnavail  atomic.Bool

	recoverMu sync.Mutex

	probeKillSwitch        Prober
	probeCircuitBreaker    Prober
	probePositionReservation Prober
	restartScheduler       SchedulerRestarter

	logger *observability.Logger
}

// New constructs a Manager with all three safety flags unavailable. Probes
// must not be nil; restartScheduler may be nil if the scheduler is not yet
// wired (recovery then skips it).
func New(probeKillSwitch, probeCircuitBreaker, probePositionReservation Prober, restartScheduler SchedulerRestarter, logger *observability.Logger) *Manager {
	m := &Manager{
		probeKillSwitch:          probeKillSwitch,
		probeCircuitBreaker:      probeCircuitBreaker,
		probePositionReservation: probePositionReservation,
		restartScheduler:         restartScheduler,
		logger:                   logger,
	}
	m.killSwitchUnavailable.Store(true)
	m.circuitBreakerUnavailable.Store(true)
	m.positionReservationUnavail.Store(true)
	return m
}

// NeedsRecovery reports whether any safety component is currently flagged
// unavailable. OrderAdmission's first gate consults this.
func (m *Manager) NeedsRecovery() bool {
	return m.killSwitchUnavailable.Load() || m.circuitBreakerUnavailable.Load() || m.positionReservationUnavail.Load()
}

// KillSwitchAvailable, CircuitBreakerAvailable, PositionReservationAvailable
// report the current cached flag for each component.
func (m *Manager) KillSwitchAvailable() bool         { return !m.killSwitchUnavailable.Load() }
func (m *Manager) CircuitBreakerAvailable() bool     { return !m.circuitBreakerUnavailable.Load() }
func (m *Manager) PositionReservationAvailable() bool { return !m.positionReservationUnavail.Load() }

// MarkKillSwitchUnavailable, MarkCircuitBreakerUnavailable,
// MarkPositionReservationUnavailable re-arm a flag after an observed
// runtime error from that component, per §4.7: "any observed exception
// during runtime re-sets the flag to unavailable."
func (m *Manager) MarkKillSwitchUnavailable()         { m.killSwitchUnavailable.Store(true) }
func (m *Manager) MarkCircuitBreakerUnavailable()     { m.circuitBreakerUnavailable.Store(true) }
func (m *Manager) MarkPositionReservationUnavailable() { m.positionReservationUnavail.Store(true) }

// AttemptRecovery re-checks unavailable components under a single recovery
// lock, in the order {KillSwitch, CircuitBreaker, PositionReservation}, then
// opportunistically restarts the scheduler whenever KillSwitch and
// CircuitBreaker are both healthy, regardless of PositionReservation's
// state (the scheduler is a productivity component, not a safety one).
func (m *Manager) AttemptRecovery(ctx context.Context) {
	m.recoverMu.Lock()
	defer m.recoverMu.Unlock()

	if m.killSwitchUnavailable.Load() {
		m.recoverOne(ctx, "kill_switch", m.probeKillSwitch, &m.killSwitchUnavailable)
	}
	if m.circuitBreakerUnavailable.Load() {
		m.recoverOne(ctx, "circuit_breaker", m.probeCircuitBreaker, &m.circuitBreakerUnavailable)
	}
	if m.positionReservationUnavail.Load() {
		m.recoverOne(ctx, "position_reservation", m.probePositionReservation, &m.positionReservationUnavail)
	}

	if m.restartScheduler != nil && !m.killSwitchUnavailable.Load() && !m.circuitBreakerUnavailable.Load() {
		if err := m.restartScheduler(ctx); err != nil {
			m.logger.Warn(ctx, "scheduler restart failed during recovery", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (m *Manager) recoverOne(ctx context.Context, name string, probe Prober, flag *atomic.Bool) {
	if probe == nil {
		return
	}
	if err := probe(ctx); err != nil {
		m.logger.Warn(ctx, "recovery probe failed", map[string]interface{}{"component": name, "error": err.Error()})
		return
	}
	flag.Store(false)
	m.logger.Info(ctx, "safety component recovered", map[string]interface{}{"component": name})
}
