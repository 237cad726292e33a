package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/davkeeper/api"
	"github.com/jmcleod/davkeeper/connector"
	"github.com/jmcleod/davkeeper/contextid"
	"github.com/jmcleod/davkeeper/credstore"
	"github.com/jmcleod/davkeeper/davprobe"
	"github.com/jmcleod/davkeeper/lock"
	"github.com/jmcleod/davkeeper/options"
	boltoptions "github.com/jmcleod/davkeeper/options/bbolt"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the credential custody server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return serve(cmd.Context(), cfg, logger, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.IntP("port", "p", 8080, "Port to listen on")
	f.String("data-dir", "./data", "Directory for persistent data")
	f.String("tls-cert", "", "Path to TLS certificate file")
	f.String("tls-key", "", "Path to TLS key file")
	f.Duration("idle-timeout", api.DefaultIdleTimeout, "Idle time after which a session's credentials are dropped")
	f.Int("max-sessions", credstore.DefaultMaxSessions, "Maximum number of sessions holding credentials")
}

// resolveConfig layers the config file, environment and explicitly set
// flags, in that order.
func resolveConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.applyEnv(".env"); err != nil {
		return cfg, err
	}

	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Port, _ = f.GetInt("port")
	}
	if f.Changed("data-dir") {
		cfg.DataDir, _ = f.GetString("data-dir")
	}
	if f.Changed("tls-cert") {
		cfg.TLSCert, _ = f.GetString("tls-cert")
	}
	if f.Changed("tls-key") {
		cfg.TLSKey, _ = f.GetString("tls-key")
	}
	if f.Changed("idle-timeout") {
		cfg.IdleTimeout, _ = f.GetDuration("idle-timeout")
	}
	if f.Changed("max-sessions") {
		cfg.MaxSessions, _ = f.GetInt("max-sessions")
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.validate()
}

// app is the assembled service.
type app struct {
	handler http.Handler
	api     *api.API
	options *boltoptions.Store
	conn    *connector.Connector
	locks   *lock.Tracker
}

func (a *app) Close() error {
	a.api.Close()
	return a.options.Close()
}

func newApp(cfg Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	opts, err := boltoptions.NewStoreFromFile(filepath.Join(cfg.DataDir, "options.db"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open options storage: %w", err)
	}
	if err := seedOptions(opts, cfg.Options); err != nil {
		opts.Close()
		return nil, err
	}

	cd, persistent, err := cfg.newCodec()
	if err != nil {
		opts.Close()
		return nil, fmt.Errorf("failed to initialise secret codec: %w", err)
	}
	if !persistent {
		logger.Info("no master key configured, using an ephemeral key")
	}

	// An evicted session also loses its context id and lock tokens.
	var conn *connector.Connector
	store := credstore.New(cd,
		credstore.WithMaxSessions(cfg.MaxSessions),
		credstore.WithLogger(logger),
		credstore.WithEvictionHook(func(id credstore.SessionID) {
			conn.EndSession(id)
		}),
	)
	index, err := contextid.New(contextid.WithCapacity(cfg.MaxSessions), contextid.WithLogger(logger))
	if err != nil {
		opts.Close()
		return nil, err
	}

	client := &http.Client{Timeout: cfg.HTTPTimeout}
	locks := lock.NewTracker(options.LockingEnabled(opts))
	conn = connector.New(store, index,
		connector.WithHTTPClient(client),
		connector.WithLocks(locks),
		connector.WithLogger(logger),
	)
	probe := davprobe.New(client, davprobe.WithLogger(logger))

	apiOpts := []api.Option{
		api.WithLogger(logger),
		api.WithIdleTimeout(cfg.IdleTimeout),
		api.WithMaxSessions(cfg.MaxSessions),
		api.WithRootBudget(cfg.RootBudget),
		api.WithAdminToken(cfg.AdminToken),
		api.WithAlertFunc(func(ev api.AlertEvent) {
			logger.Warn("security alert",
				slog.String("type", string(ev.Type)),
				slog.String("message", ev.Message),
				slog.Int("count", ev.Count),
				slog.Int("threshold", ev.Threshold),
			)
		}),
	}
	if cfg.AuditWebhook.URL != "" {
		apiOpts = append(apiOpts, api.WithAuditWebhook(cfg.AuditWebhook.URL, cfg.AuditWebhook.AuthHeader))
	}
	a := api.New(conn, probe, opts, apiOpts...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount("/webdav", a.Router())

	return &app{handler: r, api: a, options: opts, conn: conn, locks: locks}, nil
}

// seedOptions writes configured option values that are not stored yet.
func seedOptions(s options.Store, seed map[string]string) error {
	const unset = "\x00"
	missing := make(map[string]string)
	for k, v := range seed {
		if err := options.Validate(k, v); err != nil {
			return fmt.Errorf("invalid option %q: %w", k, err)
		}
		if s.Get(k, unset) == unset {
			missing[k] = v
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := s.SetMany(missing); err != nil {
		return fmt.Errorf("failed to seed options: %w", err)
	}
	return nil
}

func serve(ctx context.Context, cfg Config, logger *slog.Logger, out io.Writer) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.HTTPTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	useTLS := cfg.TLSCert != ""
	if useTLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("serving plain HTTP; terminate TLS in front of davkeeper")
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(out)
	logger.Info("server started",
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("tls", useTLS),
		slog.String("version", Version),
	)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
