package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 600, cfg.Lease.TTLSeconds)
	assert.Equal(t, 120, cfg.Lease.HeartbeatEverySeconds)
	assert.Equal(t, "database", cfg.Lease.Backend)
	assert.Equal(t, 3, cfg.Retry.DefaultMaxAttempts)
	assert.Equal(t, "X-Idempotency-Key", cfg.Idempotency.HeaderName)
	assert.True(t, cfg.Partials.Enabled)
	assert.Equal(t, 5, cfg.Query.MaxMetaDepth)
	assert.Equal(t, 200, cfg.Query.MaxPageSize)
	assert.Equal(t, 48, cfg.Maintenance.DeadLetterAfterHours)
}

func TestEnforced(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.Idempotency.Enforced("propose"))
	assert.True(t, cfg.Idempotency.Enforced("approve"))
	assert.False(t, cfg.Idempotency.Enforced("heartbeat"))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := Default()
	bad.Lease.TTLSeconds = 0
	require.Error(t, bad.Validate())

	bad = Default()
	bad.Lease.HeartbeatEverySeconds = 600
	require.Error(t, bad.Validate())

	bad = Default()
	bad.Lease.Backend = "zookeeper"
	require.Error(t, bad.Validate())

	bad = Default()
	bad.Retry.DefaultMaxAttempts = 0
	require.Error(t, bad.Validate())
}

func TestDSN(t *testing.T) {
	cfg := DatabaseConfig{
		User: "foreman", Password: "pw", Host: "db", Port: 5432, Database: "foreman",
	}
	assert.Equal(t, "postgres://foreman:pw@db:5432/foreman?sslmode=disable", cfg.DSN())

	cfg.URL = "postgres://override"
	assert.Equal(t, "postgres://override", cfg.DSN())
}

func TestLeaseTTLDuration(t *testing.T) {
	cfg := Default()
	assert.Equal(t, float64(600), cfg.Lease.TTL().Seconds())
}
