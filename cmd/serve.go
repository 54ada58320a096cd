package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paneld/paneld/internal/auth"
	"github.com/paneld/paneld/internal/config"
	"github.com/paneld/paneld/internal/db"
	"github.com/paneld/paneld/internal/files"
	"github.com/paneld/paneld/internal/guard"
	"github.com/paneld/paneld/internal/ports"
	"github.com/paneld/paneld/internal/sandbox"
	"github.com/paneld/paneld/internal/server"
	"github.com/paneld/paneld/internal/supervisor"
	"github.com/paneld/paneld/internal/ws"
)

var serveCfg = config.DefaultConfig()

const pm2Timeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the panel API server",
	Long:  `Start the HTTP server that manages panel sandboxes, processes, files and terminals.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := serveCfg
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
			os.Exit(2)
		}
		logger, err := newLogger(cfg.LogFormat, cfg.LogLevel)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		defer logger.Sync()

		if err := serve(cfg, logger); err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	},
}

func serve(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	for _, dir := range []string{cfg.DataDir, cfg.PanelsDir(), cfg.MarkersDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	var (
		store    ports.Store
		reporter sandbox.StatusReporter
		database *db.DB
	)
	if cfg.DatabaseURL != "" {
		var err error
		database, err = db.Open(ctx, cfg.DatabaseURL, logger.Named("db"))
		if err != nil {
			return err
		}
		defer database.Close()
		store = database.PortStore()
		reporter = database
		logger.Info("using PostgreSQL port table")
	} else {
		store = ports.NewFileStore(cfg.PortsFile())
		logger.Info("using file port table", zap.String("path", cfg.PortsFile()))
	}

	alloc, err := ports.NewAllocator(ctx, store, cfg.PortMin, cfg.PortMax, logger.Named("ports"))
	if err != nil {
		return err
	}

	gateway := files.NewGateway(cfg.PanelsDir(), cfg.MaxFileSize, logger.Named("files"))
	host, err := sandbox.NewHost(gateway, cfg.MarkersDir(), logger.Named("host"))
	if err != nil {
		return err
	}

	opts := sandbox.Options{
		Host:        host,
		Ports:       alloc,
		Reporter:    reporter,
		DefaultTier: sandbox.Tier(cfg.DefaultTier),
		Logger:      logger.Named("sandbox"),
	}
	var ctr *sandbox.Container
	if cfg.ContainerEnabled {
		ctr, err = sandbox.NewContainer(ctx, sandbox.DefaultContainerConfig(), gateway, logger.Named("container"))
		if err != nil {
			return fmt.Errorf("container tier unavailable: %w", err)
		}
		defer ctr.Close()
		opts.Container = ctr
	}

	var driver supervisor.Driver
	switch cfg.Driver {
	case "pm2":
		driver = supervisor.NewPM2(cfg.PM2Bin, pm2Timeout, logger.Named("pm2"))
		if cfg.ContainerEnabled {
			logger.Warn("pm2 does not run cleanup hooks; container processes may outlive a stop")
		}
	default:
		driver = supervisor.NewLocal(supervisor.DefaultLocalOptions(), logger.Named("supervisor"))
	}
	adapter := supervisor.NewAdapter(driver, cfg.InstallTimeout, logger.Named("supervisor"))
	opts.Processes = adapter

	mgr, err := sandbox.NewManager(opts)
	if err != nil {
		return err
	}

	policy, err := guard.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}
	executor := guard.NewExecutor(policy, cfg.ExecTimeout, guard.DefaultMaxOutput, logger.Named("guard"))

	authSvc := auth.New(cfg.Secret)
	terminals := ws.NewRegistry()
	mgr.SetTerminals(terminals)

	if err := mgr.Reconcile(ctx); err != nil {
		logger.Warn("startup reconciliation failed", zap.Error(err))
	}
	watcher := sandbox.NewWatcher(mgr, cfg.WatchInterval)
	watcher.Start()

	srv := &server.Server{
		Auth:      authSvc,
		Sandboxes: mgr,
		Logs:      adapter,
		Files:     gateway,
		Guard:     executor,
		Logger:    logger.Named("api"),
	}
	// Terminals attach to containers only.
	if mgr.ContainerEnabled() {
		srv.Terminal = &ws.Handler{
			Shells:     mgr,
			Sessions:   terminals,
			Authorized: authSvc.ValidKey,
			Logger:     logger.Named("terminal"),
		}
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		terminals.CloseAll()
		watcher.Stop()
		if err := adapter.Close(); err != nil {
			logger.Warn("process driver shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("starting paneld",
		zap.String("addr", httpServer.Addr),
		zap.Int("port_min", cfg.PortMin),
		zap.Int("port_max", cfg.PortMax),
		zap.String("default_tier", cfg.DefaultTier),
		zap.Bool("containers", cfg.ContainerEnabled),
		zap.String("driver", cfg.Driver))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.IntVarP(&serveCfg.ListenPort, "port", "p", serveCfg.ListenPort, "Port to listen on")
	f.StringVar(&serveCfg.Secret, "secret", serveCfg.Secret, "Shared API secret (or PANELD_SECRET)")
	f.StringVar(&serveCfg.DataDir, "data-dir", serveCfg.DataDir, "Directory for panel files, markers and the port table")
	f.IntVar(&serveCfg.PortMin, "port-min", serveCfg.PortMin, "Lowest port assigned to panels")
	f.IntVar(&serveCfg.PortMax, "port-max", serveCfg.PortMax, "Highest port assigned to panels")
	f.StringVar(&serveCfg.DatabaseURL, "db-url", serveCfg.DatabaseURL, "PostgreSQL URL for the port table and status reports (or DATABASE_URL)")
	f.StringVar(&serveCfg.DefaultTier, "default-tier", serveCfg.DefaultTier, "Tier for panels created without one: host or container")
	f.BoolVar(&serveCfg.ContainerEnabled, "containers", serveCfg.ContainerEnabled, "Enable the container tier")
	f.StringVar(&serveCfg.Driver, "driver", serveCfg.Driver, "Process driver: local or pm2")
	f.StringVar(&serveCfg.PM2Bin, "pm2-bin", serveCfg.PM2Bin, "pm2 executable")
	f.StringVar(&serveCfg.PolicyPath, "policy", serveCfg.PolicyPath, "Command policy YAML (default: built in)")
	f.DurationVar(&serveCfg.ExecTimeout, "exec-timeout", serveCfg.ExecTimeout, "Timeout for one-shot commands")
	f.DurationVar(&serveCfg.InstallTimeout, "install-timeout", serveCfg.InstallTimeout, "Timeout for dependency installs")
	f.DurationVar(&serveCfg.WatchInterval, "watch-interval", serveCfg.WatchInterval, "How often panel state is re-read")
	f.Int64Var(&serveCfg.MaxFileSize, "max-file-size", serveCfg.MaxFileSize, "Largest file the API writes or reads, in bytes")
	f.StringVar(&serveCfg.LogFormat, "log-format", serveCfg.LogFormat, "Log format: json or console")
	f.StringVar(&serveCfg.LogLevel, "log-level", serveCfg.LogLevel, "Log level")
}
