package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"llmstream/application/callbacks"
	"llmstream/application/generate"
	"llmstream/application/health"
	"llmstream/internal/bus"
	"llmstream/internal/config"
	"llmstream/internal/stream"
	"llmstream/middleware"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			log := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.AppEnv)
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", "", "listen address (default :8080)")
	flags.String("db-driver", "", "response cache driver: sqlite or mysql")
	flags.String("db-dsn", "", "response cache DSN")
	a.bind(flags, map[string]string{
		config.KeyAddr:     "addr",
		config.KeyDBDriver: "db-driver",
		config.KeyDBDSN:    "db-dsn",
	})
	return cmd
}

func openDatabase(cfg config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case config.DriverMySQL:
		dialector = mysql.Open(cfg.DBDSN)
	default:
		dialector = sqlite.Open(cfg.DBDSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if cfg.DBDriver == config.DriverMySQL {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// server is the wired relay: router, manager and callback bus.
type server struct {
	router *gin.Engine
	mgr    *stream.Manager
	bus    *bus.Bus
}

func newServer(cfg config.Config, db *gorm.DB, log *zap.Logger) (*server, error) {
	callbackBus := bus.New(64, log)
	mgr, err := stream.NewManager(cfg.Stream,
		stream.WithLogger(log),
		stream.WithDispatcher(callbackBus),
	)
	if err != nil {
		return nil, err
	}

	cacheRepo := generate.NewRepository(db)
	if err := cacheRepo.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate response cache: %w", err)
	}

	if cfg.AppEnv == "development" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestInit())
	r.Use(middleware.ResponseInit(log))

	healthSvc := health.NewService(health.NewRepository(db), mgr, 0)
	generateSvc := generate.NewService(mgr, cacheRepo, log)
	callbackSvc := callbacks.NewService(callbackBus)

	api := r.Group("")
	health.NewHandler(healthSvc).RegisterRoutes(api)
	generate.NewHandler(generateSvc).RegisterRoutes(api)
	callbacks.NewHandler(callbackSvc).RegisterRoutes(api)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(mgr.Registry(), promhttp.HandlerOpts{})))

	return &server{router: r, mgr: mgr, bus: callbackBus}, nil
}

// shutdown aborts in-flight streams and closes the callback feed.
func (s *server) shutdown(ctx context.Context) error {
	err := s.mgr.Shutdown(ctx)
	s.bus.Close()
	return err
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	s, err := newServer(cfg, db, log)
	if err != nil {
		return err
	}
	s.mgr.Start()

	// Request contexts derive from base so long-lived event streams end
	// before the listener drains.
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}

	go monitorResources(ctx, log, 30*time.Second)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.Addr), zap.String("endpoint", cfg.Stream.Endpoint))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	mgrErr := s.shutdown(shutdownCtx)
	cancelBase()
	srvErr := srv.Shutdown(shutdownCtx)
	return errors.Join(serveErr, mgrErr, srvErr)
}

func monitorResources(ctx context.Context, log *zap.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			log.Debug("resource monitor",
				zap.Uint64("alloc_mb", m.Alloc/(1024*1024)),
				zap.Uint64("sys_mb", m.Sys/(1024*1024)),
				zap.Uint32("gc_count", m.NumGC),
				zap.Int("goroutines", runtime.NumGoroutine()),
			)
		case <-ctx.Done():
			return
		}
	}
}
