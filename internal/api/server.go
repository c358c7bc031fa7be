// Package api is the loopback HTTP surface the companion UI talks to. It
// exposes the engine's observable streams (pairing, call, connection state)
// and its commands; it holds no state of its own beyond the debug buffer.
package api

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/tether/internal/callsig"
	"github.com/petervdpas/tether/internal/pairing"
	"github.com/petervdpas/tether/internal/proto"
	"github.com/petervdpas/tether/internal/relay"
	"github.com/petervdpas/tether/internal/sched"
	"github.com/petervdpas/tether/internal/transport"
	"github.com/petervdpas/tether/internal/util"
)

// Deps are the engine components the API exposes.
type Deps struct {
	Pairing   *pairing.Coordinator
	Calls     *callsig.Machine
	Scheduler *sched.Scheduler
	Transport *transport.Manager
	Relay     *relay.Client

	// Recent delivery events for the debug endpoint. May be nil.
	Recent *util.RingBuffer[proto.DeliveryEvent]

	Debug bool
}

// Server is the loopback API server.
type Server struct {
	addr string
	deps Deps
	srv  *http.Server
}

// New builds the server for addr (must be loopback-reachable; the engine
// does no authentication of its local UI).
func New(addr string, deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{addr: addr, deps: deps}
	s.register(mux)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Start begins serving. Returns once the listener is bound; serving
// continues in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	log.Printf("API: listening on %s", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("API: serve: %v", err)
		}
	}()
	return nil
}

// Close shuts the server down.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}
