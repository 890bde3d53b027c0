// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/eventflow/transport/aws"
	_ "github.com/drblury/eventflow/transport/channel"
	_ "github.com/drblury/eventflow/transport/jetstream"
	_ "github.com/drblury/eventflow/transport/kafka"
	_ "github.com/drblury/eventflow/transport/memory"
	_ "github.com/drblury/eventflow/transport/nats"
	_ "github.com/drblury/eventflow/transport/postgres"
	_ "github.com/drblury/eventflow/transport/rabbitmq"
	_ "github.com/drblury/eventflow/transport/sqlite"
)
