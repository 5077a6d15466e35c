package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/isgasho/wosim/internal/auth"
	"github.com/isgasho/wosim/internal/config"
	"github.com/isgasho/wosim/internal/logger"
	"github.com/isgasho/wosim/internal/loopback"
	"github.com/isgasho/wosim/internal/transport"
)

func serveCmd() *cobra.Command {
	var (
		listen string
		wsAddr   string
		quicAddr string
		secret   string
		npcs   int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a loopback world for development",
		Long: `Run a small authoritative world that speaks the wosim protocol.

Clients join over UDP, with --ws over WebSocket at /ws and with --quic
over QUIC datagrams. The QUIC listener uses a throwaway self-signed
certificate, so clients connect with --insecure. With a
secret (--secret or WOSIM_TOKEN_SECRET) handshakes must carry a token
minted by "wosim token"; without one anybody may join.

Examples:
  wosim serve
  wosim serve --listen :2021 --ws :8080 --npcs 16
  wosim serve --quic :2022`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				if cmd.Flags().Changed("secret") {
					c.TokenSecret = secret
				}
			})
			if err != nil {
				return err
			}
			return runServe(cfg, listen, wsAddr, quicAddr, npcs)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", ":2021", "UDP listen address")
	cmd.Flags().StringVar(&wsAddr, "ws", "", "WebSocket listen address (disabled when empty)")
	cmd.Flags().StringVar(&quicAddr, "quic", "", "QUIC listen address (disabled when empty)")
	cmd.Flags().StringVar(&secret, "secret", "", "Hex encoded token secret")
	cmd.Flags().IntVar(&npcs, "npcs", 4, "Number of NPCs")

	return cmd
}

func runServe(cfg config.Config, listen, wsAddr, quicAddr string, npcs int) error {
	log := logger.Logger("cli")

	lcfg := loopback.DefaultConfig()
	lcfg.TickDelta = cfg.TickDelta()
	lcfg.NPCs = npcs
	lcfg.Channel = cfg.Session().Channel
	if cfg.TokenSecret != "" {
		issuer, err := auth.NewIssuerHex(cfg.TokenSecret)
		if err != nil {
			return err
		}
		lcfg.Issuer = issuer
	}
	srv := loopback.New(lcfg)

	l, err := transport.ListenUDP(listen, 0)
	if err != nil {
		return err
	}
	listeners := []transport.Listener{l}
	if quicAddr != "" {
		tlsConf, err := transport.SelfSignedTLS("localhost", cfg.Host)
		if err != nil {
			l.Close()
			return err
		}
		ql, err := transport.ListenQUIC(quicAddr, tlsConf, 0)
		if err != nil {
			l.Close()
			return err
		}
		listeners = append(listeners, ql)
		log.Info("listening", "quic", ql.Addr().String())
	}
	log.Info("listening", "udp", l.Addr().String(), "ws", wsAddr, "auth", lcfg.Issuer != nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, clock.New())
	})
	for _, l := range listeners {
		g.Go(func() error {
			return srv.Serve(gctx, l)
		})
	}
	if wsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", srv.Handler())
		httpSrv := &http.Server{Addr: wsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}
