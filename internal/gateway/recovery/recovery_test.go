package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execgateway/core/internal/config"
	"github.com/execgateway/core/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(config.ObservabilityConfig{LogLevel: "error", ServiceName: "test"})
}

func TestNew_AllFlagsStartUnavailable(t *testing.T) {
	m := New(
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		nil, testLogger(),
	)
	assert.True(t, m.NeedsRecovery())
	assert.False(t, m.KillSwitchAvailable())
}

func TestAttemptRecovery_SuccessfulProbesClearFlags(t *testing.T) {
	m := New(
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		nil, testLogger(),
	)
	m.AttemptRecovery(context.Background())
	assert.False(t, m.NeedsRecovery())
	assert.True(t, m.KillSwitchAvailable())
	assert.True(t, m.CircuitBreakerAvailable())
	assert.True(t, m.PositionReservationAvailable())
}

func TestAttemptRecovery_FailingProbeLeavesFlagUnavailable(t *testing.T) {
	m := New(
		func(ctx context.Context) error { return errors.New("down") },
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		nil, testLogger(),
	)
	m.AttemptRecovery(context.Background())
	assert.True(t, m.NeedsRecovery())
	assert.False(t, m.KillSwitchAvailable())
	assert.True(t, m.CircuitBreakerAvailable())
}

func TestAttemptRecovery_SchedulerRestartsOnceKillSwitchAndBreakerHealthy(t *testing.T) {
	restarted := false
	m := New(
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return errors.New("still down") },
		func(ctx context.Context) error { restarted = true; return nil },
		testLogger(),
	)
	m.AttemptRecovery(context.Background())
	assert.True(t, restarted, "scheduler should restart once kill switch and breaker are healthy, regardless of reservation")
	assert.True(t, m.NeedsRecovery(), "position reservation still unavailable so NeedsRecovery stays true")
}

func TestMarkUnavailable_ReArmsFlagAfterRuntimeError(t *testing.T) {
	m := New(
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		nil, testLogger(),
	)
	m.AttemptRecovery(context.Background())
	require.True(t, m.KillSwitchAvailable())

	m.MarkKillSwitchUnavailable()
	assert.False(t, m.KillSwitchAvailable())
	assert.True(t, m.NeedsRecovery())
}
