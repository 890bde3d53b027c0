// Package postgres registers the PostgreSQL broker. Messages, session locks
// and dead letters live in tables of one schema; see package sqlbus.
package postgres

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/eventflow/internal/runtime/sqldb"
	"github.com/drblury/eventflow/transport"
	"github.com/drblury/eventflow/transport/sqlbus"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

// Open connects the bus. Tests replace it to avoid a live database.
var Open = sqlbus.Open

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities) // Alias
}

// Build opens the PostgreSQL bus and creates its tables.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres: configuration is required")
	}
	bus, err := Open(ctx, cfg.GetPostgresURL(), BusConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return bus, nil
}

// BusConfig maps the delivery settings of cfg onto the SQL bus.
func BusConfig(cfg transport.Config) sqlbus.Config {
	return sqlbus.Config{
		Dialect:          sqldb.Postgres,
		MaxDeliveryCount: cfg.GetMaxDeliveryCount(),
		LockDuration:     cfg.GetLockDuration(),
		Retry:            transport.RetryPolicyFromConfig(cfg),
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}
