package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/vpnpki/api"
	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/internal/config"
	"github.com/jmcleod/vpnpki/internal/logging"
	"github.com/jmcleod/vpnpki/service"
)

var trustedProxies []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST API and refresh the CRL on a schedule",
	Long: `Serves the instance over HTTP at /api/v1, with OpenAPI docs at
/api/v1/docs. The CRL is refreshed every crl-refresh-interval.

Without --api-token-file the API is unauthenticated; bind it to a local
address. The journal stays locked while serving, so use the API rather
than other vpnpki commands for the same data directory.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	d := config.Default()
	f := serveCmd.Flags()
	f.String(config.FlagName("listen"), d.Listen, "address to listen on")
	f.String(config.FlagName("tls_cert"), "", "Path to TLS certificate file")
	f.String(config.FlagName("tls_key"), "", "Path to TLS key file")
	f.String(config.FlagName("api_token_file"), "", "file holding the bearer token required by the API")
	f.String(config.FlagName("audit_webhook_url"), "", "POST every audit event to this URL")
	f.String(config.FlagName("audit_webhook_header"), "", `extra webhook header, "Name: value"`)
	f.Duration(config.FlagName("crl_refresh_interval"), d.CRLRefreshInterval, "how often to check the CRL")
	f.StringSliceVar(&trustedProxies, "trusted-proxies", nil, "CIDRs allowed to set X-Forwarded-For")
}

func parsePrefixes(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		p, err := netip.ParsePrefix(v)
		if err != nil {
			addr, aerr := netip.ParseAddr(v)
			if aerr != nil {
				return nil, errs.Errorf("cmd.serve", errs.InvalidInput, "--trusted-proxies: %v", err)
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func apiOptions(cfg config.Config, logger *slog.Logger) ([]api.Option, error) {
	proxies, err := parsePrefixes(trustedProxies)
	if err != nil {
		return nil, err
	}
	opts := []api.Option{
		api.WithLogger(logger),
		api.WithTrustedProxies(proxies),
		api.WithAuditWebhook(cfg.AuditWebhookURL, cfg.AuditWebhookHeader),
		api.WithAlertFunc(func(ev api.AlertEvent) {
			logger.Warn("alert", "component", "alerts", "type", ev.Type, "message", ev.Message,
				"count", ev.Count, "threshold", ev.Threshold)
		}),
	}
	if cfg.APITokenFile != "" {
		token, err := cfg.APIToken()
		if err != nil {
			return nil, err
		}
		opts = append(opts, api.WithToken(token))
	} else {
		logger.Warn("API authentication disabled; set api_token_file unless bound to localhost")
	}
	return opts, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.New(cmd.ErrOrStderr(), logging.JSON, cfg.Debug)

	opts, err := apiOptions(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, append([]service.Option{service.WithLogger(logger)}, serviceOptions...)...)
	if err != nil {
		return err
	}
	defer svc.Close()

	a := api.New(svc, opts...)
	defer a.Close()

	sweepStop := make(chan struct{})
	defer close(sweepStop)
	go a.Sweep(5*time.Minute, sweepStop)
	go svc.RunCRLRefresher(ctx, cfg.CRLRefreshInterval)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(api.RequestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Mount("/api/v1", a.Router())

	var tlsConfig *tls.Config
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return errs.E("cmd.serve", errs.InvalidInput, fmt.Errorf("failed to load TLS key pair: %w", err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- errs.E("cmd.serve", errs.Unknown, fmt.Errorf("server failed: %w", err))
			return
		}
		done <- nil
	}()

	out := cmd.OutOrStdout()
	printBanner(out)
	scheme := "http"
	if tlsConfig != nil {
		scheme = "https"
	}
	fmt.Fprintf(out, "Serving instance %q on %s://%s (data: %s)...\n", cfg.Instance, scheme, cfg.Listen, cfg.DataDir)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errs.E("cmd.serve", errs.Unknown, fmt.Errorf("server shutdown failed: %w", err))
		}
		return nil
	case err := <-done:
		return err
	}
}
