package serve

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/threadsync/internal/access"
	"github.com/chirino/threadsync/internal/config"
	"github.com/chirino/threadsync/internal/localstore"
	"github.com/chirino/threadsync/internal/plugin/route/messages"
	routesystem "github.com/chirino/threadsync/internal/plugin/route/system"
	storemetrics "github.com/chirino/threadsync/internal/plugin/store/metrics"
	"github.com/chirino/threadsync/internal/reconcile"
	registrycache "github.com/chirino/threadsync/internal/registry/cache"
	registrymigrate "github.com/chirino/threadsync/internal/registry/migrate"
	registryroute "github.com/chirino/threadsync/internal/registry/route"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/chirino/threadsync/internal/security"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.RemoteStore
	Deps            *registryroute.Deps
	Router          *gin.Engine
	Running         *RunningServers
	stopBackground  context.CancelFunc
	closeManagement func(context.Context) error
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	routesystem.MarkNotReady()
	s.stopBackground()
	var errs []error
	if s.closeManagement != nil {
		errs = append(errs, s.closeManagement(ctx))
	}
	errs = append(errs, s.Running.Close(ctx))
	errs = append(errs, s.Deps.Local.Close())
	errs = append(errs, s.Store.Close())
	return errors.Join(errs...)
}

// StartServer initializes all subsystems and starts HTTP on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting threadsync",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"localDataDir", cfg.ResolvedLocalDataDir(),
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	providers, err := config.ParseProviders(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("invalid --providers: %w", err)
	}

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// The access cache is optional; without one every check reads the store.
	var accessCache registrycache.AccessCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if accessCache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		accessCache = nil
	} else {
		ctx = registrycache.WithAccessCacheContext(ctx, accessCache)
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	tokens := security.NewTokenResolver(cfg)
	reconciler := reconcile.New(messages.ApplyAux(store), reconcile.Options{
		QueueTTL:      cfg.ProvisionalQueueTTL,
		Grace:         cfg.ProvisionalGrace,
		SweepInterval: cfg.ProvisionalSweepInterval,
	})
	deps := &registryroute.Deps{
		Config:       cfg,
		Providers:    providers,
		Store:        store,
		Access:       access.NewResolver(store, accessCache, cfg.AccessCacheTTL),
		Local:        localstore.NewManager(cfg.ResolvedLocalDataDir()),
		Reconciler:   reconciler,
		Auth:         security.AuthMiddleware(tokens),
		OptionalAuth: security.OptionalAuthMiddleware(tokens),
	}

	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router, deps); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}
	closeManagement, err := mountManagement(cfg, router, deps)
	if err != nil {
		return nil, err
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	go reconciler.Start(bgCtx)

	running, err := StartSinglePort("main", cfg.Listener, router)
	if err != nil {
		stopBackground()
		if closeManagement != nil {
			_ = closeManagement(context.Background())
		}
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Deps:            deps,
		Router:          router,
		Running:         running,
		stopBackground:  stopBackground,
		closeManagement: closeManagement,
	}, nil
}
