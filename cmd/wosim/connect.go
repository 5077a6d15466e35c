package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/isgasho/wosim/internal/client"
	"github.com/isgasho/wosim/internal/config"
	"github.com/isgasho/wosim/internal/logger"
	"github.com/isgasho/wosim/internal/metrics"
	"github.com/isgasho/wosim/internal/session"
	"github.com/isgasho/wosim/internal/telemetry"
	"github.com/isgasho/wosim/internal/transport"
	"github.com/isgasho/wosim/internal/world"
)

func connectCmd() *cobra.Command {
	var (
		host      string
		port      int
		kind      string
		token     string
		insecure  bool
		autopilot bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a world instance",
		Long: `Connect to a world instance and run the client core until interrupted.

The first interrupt disconnects gracefully.

Examples:
  wosim connect
  wosim connect --host world.example.org --transport quic
  wosim connect --transport websocket --port 8080 --autopilot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				flags := cmd.Flags()
				if flags.Changed("host") {
					c.Host = host
				}
				if flags.Changed("port") {
					c.Port = port
				}
				if flags.Changed("transport") {
					c.Transport = kind
				}
				if flags.Changed("token") {
					c.Token = token
				}
				if flags.Changed("insecure") {
					c.Insecure = insecure
				}
			})
			if err != nil {
				return err
			}
			return runConnect(cfg, autopilot)
		},
	}

	cmd.Flags().StringVarP(&host, "host", "H", "", "Server host (default from WOSIM_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Server port (default from WOSIM_PORT)")
	cmd.Flags().StringVarP(&kind, "transport", "t", "", "udp, quic or websocket")
	cmd.Flags().StringVar(&token, "token", "", "Handshake token")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Skip QUIC certificate verification")
	cmd.Flags().BoolVar(&autopilot, "autopilot", false, "Fly in circles instead of idling")

	return cmd
}

func dial(ctx context.Context, cfg config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportUDP:
		return transport.DialUDP(cfg.Addr(), 0)
	case config.TransportQUIC:
		return transport.DialQUIC(ctx, cfg.Addr(), transport.QUICOptions{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.Insecure,
			KeepAlive:          cfg.PingInterval,
		})
	case config.TransportWebSocket:
		return transport.DialWebSocket(ctx, "ws://"+cfg.Addr()+"/ws", 0)
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func runConnect(cfg config.Config, autopilot bool) error {
	log := logger.Logger("cli")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	tr, err := dial(dialCtx, cfg)
	cancel()
	if err != nil {
		return err
	}

	journal, err := telemetry.Open(cfg.TelemetryDSN)
	if err != nil {
		tr.Close()
		return err
	}

	var c *client.Client
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, func() session.Stats { return c.Stats() })
	c = client.New(cfg.Client(), tr, client.Options{Metrics: m, Journal: journal})
	c.Session().OnClose(journal.Close)

	var input client.InputSource
	if autopilot {
		var n int
		input = func() world.Input {
			n++
			return world.Input{Buttons: world.ButtonForward, Yaw: math.Mod(float64(n)*0.02, 2*math.Pi)}
		}
	}

	status := rate.Sometimes{Interval: time.Second}
	renderer := client.RenderFunc(func(v client.View) {
		status.Do(func() {
			self := v.Entities[v.SelfID]
			log.Info("status", "state", v.State.String(), "tick", v.Tick, "entities", len(v.Entities),
				"x", self.Position.X, "y", self.Position.Y, "z", self.Position.Z, "rtt", c.Session().RTT())
		})
	})
	runner := client.NewRunner(c, clock.New(), cfg.TickDelta(), input, renderer)

	log.Info("connecting", "addr", cfg.Addr(), "transport", cfg.Transport, "session", c.Session().ID().String())

	// Metrics outlive the signal context so the disconnect is still visible.
	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	g, _ := errgroup.WithContext(metricsCtx)
	g.Go(func() error {
		defer stopMetrics()
		return runner.Run(ctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(metricsCtx, cfg.MetricsAddr, reg)
		})
	}
	err = g.Wait()

	st := c.Stats()
	log.Info("session ended", "state", st.State.String(), "sent", st.Transport.DatagramsTx,
		"received", st.Transport.DatagramsRx, "retransmits", st.Channel.Retransmits, "journal_dropped", journal.Dropped())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
