package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"booru-service/internal/config"
	"booru-service/internal/db"
	authHandler "booru-service/internal/handlers/auth"
	"booru-service/internal/middleware"
	"booru-service/internal/pkg/jwt"
	"booru-service/internal/pkg/session"
	"booru-service/internal/pkg/telemetry"
	"booru-service/internal/repository/memory"
	"booru-service/internal/repository/postgres"
	redisstore "booru-service/internal/repository/redis"
	authUsecase "booru-service/internal/service/auth"
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger
	http   *http.Server

	// probes run by the health endpoint, closers run on shutdown
	probes  map[string]func(context.Context) error
	closers []func()
}

func NewServer(cfg config.AppConfig, logger *zap.Logger) *Server {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{
		cfg:    cfg,
		engine: gin.New(),
		logger: logger,
		probes: make(map[string]func(context.Context) error),
	}
}

// Handler exposes the wired engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Setup connects the configured backends and registers routes.
func (s *Server) Setup(ctx context.Context) error {
	var (
		users   authUsecase.UserRepository
		store   session.Store
		limiter authUsecase.LoginLimiter
		pgdb    *postgres.DB
	)

	// gin believes X-Forwarded-For from any peer unless told otherwise
	if err := s.engine.SetTrustedProxies(s.cfg.TrustedProxies); err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}

	// ----- PostgreSQL -----
	if s.cfg.DatabaseURL != "" {
		pool, err := db.ConnectDB(ctx, s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		s.probes["postgres"] = pool.Ping
		pgdb = postgres.NewDB(pool)
		users = postgres.NewUserRepository(pgdb)
		s.logger.Info("connected to PostgreSQL")
	} else {
		users = memory.NewUserRepository()
		s.logger.Warn("DATABASE_URL not set, accounts are kept in memory")
	}

	// ----- Redis -----
	if s.cfg.Redis.Addr != "" {
		client, err := db.NewRedisClient(ctx, s.cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		s.probes["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		limiter = session.NewRateLimiter(client, s.cfg.LoginMaxAttempts, s.cfg.LoginWindow)

		if s.cfg.StoreDriver == config.StoreRedis {
			store = redisstore.NewSessionStore(client, s.cfg.Rotation)
		}
		s.logger.Info("connected to Redis", zap.String("addr", s.cfg.Redis.Addr))
	}

	// ----- Session store -----
	switch s.cfg.StoreDriver {
	case config.StorePostgres:
		if pgdb == nil {
			return errors.New("postgres session store selected without DATABASE_URL")
		}
		store = postgres.NewSessionRepository(pgdb, s.cfg.Rotation)
	case config.StoreRedis:
		if store == nil {
			return errors.New("redis session store selected without REDIS_ADDR")
		}
	case config.StoreMemory:
		store = memory.NewSessionStore(s.cfg.Rotation)
		s.logger.Warn("sessions are kept in memory and lost on restart")
	default:
		return fmt.Errorf("unknown store driver %q", s.cfg.StoreDriver)
	}

	store = session.WithBreaker(store, s.cfg.Breaker, s.logger)

	// ----- JWT codec -----
	codec, err := jwt.LoadAndBuild(s.cfg.JWT)
	if err != nil {
		return fmt.Errorf("failed to load JWT codec: %w", err)
	}

	// ----- Services -----
	sessionManager := session.NewManager(store, codec, session.Config{StoreTimeout: s.cfg.StoreTimeout}, s.logger)
	authService := authUsecase.NewAuthService(
		users,
		sessionManager,
		limiter,
		authUsecase.Config{
			AllowRegistration: s.cfg.AllowRegistration,
			BcryptCost:        s.cfg.BcryptCost,
		},
		s.logger,
	)

	// ----- Bootstrap admin -----
	if s.cfg.AdminName != "" {
		if err := authService.EnsureAdminExists(ctx, s.cfg.AdminName, s.cfg.AdminPassword); err != nil {
			// don't fail startup, the account can be created later
			s.logger.Error("failed to initialize admin", zap.Error(err))
		}
	}

	// ----- Middlewares -----
	s.engine.Use(
		middleware.RequestID(),
		telemetry.TracingMiddleware(nil),
		middleware.RecoveryMiddleware(s.logger),
		middleware.LoggingMiddleware(s.logger),
		middleware.CORSMiddleware(s.cfg.AllowedOrigins...),
	)

	// ----- Router -----
	SetupRouter(s.engine, s.logger, &Handlers{
		AuthHandler:    authHandler.NewAuthHandler(authService, s.logger),
		AuthMiddleware: middleware.NewAuthMiddleware(authService),
		Health:         s.health,
	})

	s.logger.Info("server configured",
		zap.String("store", s.cfg.StoreDriver),
		zap.String("alg", codec.Alg()),
		zap.Bool("registration", s.cfg.AllowRegistration),
		zap.Bool("login_limiter", limiter != nil),
	)
	return nil
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("server listening", zap.String("addr", s.cfg.HTTPAddr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and releases backend connections.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	return err
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.probes))
	for name, probe := range s.probes {
		if err := probe(ctx); err != nil {
			s.logger.Warn("health probe failed", zap.String("backend", name), zap.Error(err))
			checks[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "store": s.cfg.StoreDriver, "checks": checks})
}
