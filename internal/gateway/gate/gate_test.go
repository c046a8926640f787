package gate

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execgateway/core/internal/config"
	"github.com/execgateway/core/internal/gateway/coordinator/memcoord"
	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/internal/gateway/recovery"
	"github.com/execgateway/core/pkg/observability"
)

func healthyRecovery() *recovery.Manager {
	m := recovery.New(
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		nil,
		observability.NewLogger(config.ObservabilityConfig{LogLevel: "error", ServiceName: "test"}),
	)
	m.AttemptRecovery(context.Background())
	return m
}

func TestCheckPreTrade_PassesWhenAllHealthy(t *testing.T) {
	c := New(healthyRecovery(), memcoord.New(), nil)
	err := c.CheckPreTrade(context.Background(), "AAPL", domain.SideBuy, decimal.NewFromInt(10))
	assert.NoError(t, err)
}

func TestCheckPreTrade_FailsClosedWhenRecoveryNeeded(t *testing.T) {
	rec := recovery.New(
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
		nil,
		observability.NewLogger(config.ObservabilityConfig{LogLevel: "error", ServiceName: "test"}),
	)
	c := New(rec, memcoord.New(), nil)
	err := c.CheckPreTrade(context.Background(), "AAPL", domain.SideBuy, decimal.NewFromInt(10))
	require.Error(t, err)
	var availErr *domain.AvailabilityError
	assert.ErrorAs(t, err, &availErr)
}

func TestCheckPreTrade_FailsOnKillSwitch(t *testing.T) {
	coord := memcoord.New()
	require.NoError(t, coord.EngageKillSwitch(context.Background(), "test"))
	c := New(healthyRecovery(), coord, nil)

	err := c.CheckPreTrade(context.Background(), "AAPL", domain.SideBuy, decimal.NewFromInt(10))
	require.Error(t, err)
	var gateErr *domain.SafetyGateError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, "kill_switch", gateErr.GateName)
}

func TestCheckPreTrade_FailsOnQuarantine(t *testing.T) {
	coord := memcoord.New()
	require.NoError(t, coord.QuarantineSymbol(context.Background(), "AAPL", "halted", time.Minute))
	c := New(healthyRecovery(), coord, nil)

	err := c.CheckPreTrade(context.Background(), "AAPL", domain.SideBuy, decimal.NewFromInt(10))
	require.Error(t, err)
	var gateErr *domain.SafetyGateError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, "quarantine", gateErr.GateName)
}
