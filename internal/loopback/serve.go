package loopback

import (
	"context"
	"net/http"

	"github.com/benbjohnson/clock"

	"github.com/isgasho/wosim/internal/transport"
)

// Run steps the server every tick of clk until ctx ends, then disconnects
// every peer.
func (s *Server) Run(ctx context.Context, clk clock.Clock) error {
	ticker := clk.Ticker(s.cfg.TickDelta)
	defer ticker.Stop()

	s.log.Info("world running", "tick_delta", s.cfg.TickDelta, "npcs", s.cfg.NPCs)
	for {
		select {
		case <-ticker.C:
			s.Step(clk.Now())
		case <-ctx.Done():
			s.Close(clk.Now())
			s.log.Info("world stopped", "tick", s.tick)
			return nil
		}
	}
}

// Serve hands every peer l accepts to the server until ctx ends or l is
// closed.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	for {
		select {
		case tr, ok := <-l.Accept():
			if !ok {
				return nil
			}
			s.Accept(tr)
		case <-ctx.Done():
			return l.Close()
		}
	}
}

// Handler upgrades WebSocket requests into peers.
func (s *Server) Handler() http.Handler {
	return transport.WebSocketHandler(s.Accept, 0)
}
