package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/cratery/cratery/internal/model"
)

var _ model.Server = (*HTTPServer)(nil)

// HTTPServer wraps http.Server behind the listener security seam.
type HTTPServer struct {
	srv  *http.Server
	addr string
}

// NewHTTPServer creates a server for the given handler and address.
func NewHTTPServer(handler http.Handler, addr string) *HTTPServer {
	return &HTTPServer{
		srv:  &http.Server{Handler: handler},
		addr: addr,
	}
}

// Start listens via the security layer and serves until Stop.
func (s *HTTPServer) Start(sl model.SecurityLayer) error {
	listener, err := sl.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully within the context deadline.
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Address returns the configured listen address.
func (s *HTTPServer) Address() string {
	return s.addr
}
