// Package sqlite registers the SQLite broker, a single-file variant of the
// PostgreSQL broker for local development and single-node deployments.
package sqlite

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/eventflow/internal/runtime/sqldb"
	"github.com/drblury/eventflow/transport"
	"github.com/drblury/eventflow/transport/sqlbus"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// DefaultFile is used when no database file is configured.
const DefaultFile = "eventflow_bus.db"

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build opens the SQLite bus and creates its tables.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bus, error) {
	file := DefaultFile
	var c sqlbus.Config
	if cfg != nil {
		if cfg.GetSQLiteFile() != "" {
			file = cfg.GetSQLiteFile()
		}
		c = sqlbus.Config{
			MaxDeliveryCount: cfg.GetMaxDeliveryCount(),
			LockDuration:     cfg.GetLockDuration(),
		}
	}
	c.Dialect = sqldb.SQLite
	c.Retry = transport.RetryPolicyFromConfig(cfg)

	bus, err := sqlbus.Open(ctx, file, c, logger)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	return bus, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}
