package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/markb/livesync/internal/archive"
	"github.com/markb/livesync/internal/feed"
	"github.com/markb/livesync/internal/log"
	"github.com/markb/livesync/internal/metrics"
	"github.com/markb/livesync/internal/observability"
	"github.com/markb/livesync/internal/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the change feed server",
	Long: `Starts the HTTP server with the realtime WebSocket feed, the change
ingest endpoint, and Prometheus metrics.

With --pg-dsn, row changes published by 'livesync db triggers' are ingested
from Postgres LISTEN/NOTIFY. With --https, a Let's Encrypt certificate is
obtained for the domain.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		sc := cfg.Server
		if v, _ := cmd.Flags().GetString("db"); v != "" {
			sc.DBPath = v
		}
		if v, _ := cmd.Flags().GetString("addr"); v != "" {
			sc.Addr = v
		}
		if cmd.Flags().Changed("retain") {
			sc.Retain, _ = cmd.Flags().GetInt("retain")
		}
		if v, _ := cmd.Flags().GetString("https"); v != "" {
			sc.HTTPS.Domain = v
		}
		if v, _ := cmd.Flags().GetString("pg-dsn"); v != "" {
			sc.Postgres.DSN = v
		}
		sc.JWTSecret = jwtSecret(sc.JWTSecret)

		store, err := feed.OpenStore(sc.DBPath, nil)
		if err != nil {
			return fmt.Errorf("failed to open change log: %w", err)
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		observability.Version = Version
		tel, cleanup, err := observability.Init(ctx, cfg.Telemetry.Observability())
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer cleanup()

		svc := feed.NewService(store, sc.Feed(), metrics.Default())
		arch, err := archive.Open(ctx, sc.Archive.Archive())
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		if arch != nil {
			defer arch.Close()
			svc.SetArchive(arch)
		}
		srv := server.NewWithConfig(svc, server.ServerConfig{
			Gatherer:  prometheus.DefaultGatherer,
			Telemetry: tel,
		})

		go svc.RunRetention(ctx)

		if sc.Postgres.DSN != "" {
			src := &feed.PGSource{DSN: sc.Postgres.DSN, Channel: sc.Postgres.Channel, Sink: svc}
			go func() {
				if err := src.Run(ctx); err != nil {
					log.Error("postgres ingest stopped", "error", err.Error())
				}
			}()
		}

		errCh := make(chan error, 1)
		go func() {
			if sc.HTTPS.Domain != "" {
				errCh <- srv.ListenAndServeTLS(sc.Addr, sc.HTTPS.TLS())
				return
			}
			errCh <- srv.ListenAndServe(sc.Addr)
		}()

		scheme := "http"
		if sc.HTTPS.Domain != "" {
			scheme = "https"
		}
		fmt.Printf("Starting livesync on %s\n", sc.Addr)
		fmt.Printf("  Feed:    %s://%s/realtime/v1/websocket\n", scheme, displayHost(sc.Addr, sc.HTTPS.Domain))
		fmt.Printf("  Ingest:  POST /realtime/v1/changes\n")
		fmt.Printf("  Metrics: /metrics\n")
		log.Info("server starting", "addr", sc.Addr, "db", sc.DBPath, "retain", sc.Retain,
			"archive", sc.Archive.Kind, "tracing", tel.Enabled())

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func displayHost(addr, domain string) string {
	if domain != "" {
		return domain
	}
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("db", "", "Path to database file (default from config)")
	serveCmd.Flags().String("addr", "", "Address to listen on (default from config)")
	serveCmd.Flags().Int("retain", 0, "Keep only the newest N changes; 0 keeps everything")
	serveCmd.Flags().String("https", "", "Domain for automatic HTTPS via Let's Encrypt")
	serveCmd.Flags().String("pg-dsn", "", "Postgres DSN to ingest row changes from")
}
