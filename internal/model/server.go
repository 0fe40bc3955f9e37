package model

import (
	"context"
	"net"
)

// SecurityLayer produces the network listener for the server, with or
// without TLS.
type SecurityLayer interface {
	Listen(protocol, addr string) (net.Listener, error)
}

// Server is a startable network server.
type Server interface {
	Start(sl SecurityLayer) error
	Stop(ctx context.Context) error
	Address() string
}
