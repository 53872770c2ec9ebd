// Package transports pulls in every built-in backend for side-effect
// registration. A blank import of this package is enough to let the
// config's PubSubSystem value pick any of them at startup.
package transports

import (
	_ "github.com/campusgrid/orderpulse/transport/aws"
	_ "github.com/campusgrid/orderpulse/transport/channel"
	_ "github.com/campusgrid/orderpulse/transport/http"
	_ "github.com/campusgrid/orderpulse/transport/io"
	_ "github.com/campusgrid/orderpulse/transport/jetstream"
	_ "github.com/campusgrid/orderpulse/transport/kafka"
	_ "github.com/campusgrid/orderpulse/transport/nats"
	_ "github.com/campusgrid/orderpulse/transport/postgres"
	_ "github.com/campusgrid/orderpulse/transport/rabbitmq"
)
