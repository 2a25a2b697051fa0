package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/threadsync/internal/config"
	registryroute "github.com/chirino/threadsync/internal/registry/route"
	"github.com/chirino/threadsync/internal/security"
	"github.com/gin-gonic/gin"
)

// mountManagement mounts health and metrics routes. With a dedicated management port they
// get their own engine and listener; otherwise they share the main router.
func mountManagement(cfg *config.Config, main *gin.Engine, deps *registryroute.Deps) (func(context.Context) error, error) {
	if !cfg.ManagementListenerEnabled {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(main, deps); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		return nil, nil
	}

	mgmtRouter := gin.New()
	mgmtRouter.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		mgmtRouter.Use(security.AccessLogMiddleware())
	}
	for _, loader := range registryroute.ManagementRouteLoaders() {
		if err := loader(mgmtRouter, deps); err != nil {
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}

	// Management listener shares TLS cert/key with the main listener.
	mgmtCfg := cfg.ManagementListener
	mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
	mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
	if !mgmtCfg.EnablePlainText && !mgmtCfg.EnableTLS {
		mgmtCfg.EnablePlainText = true
	}
	running, err := StartSinglePort("management", mgmtCfg, mgmtRouter)
	if err != nil {
		return nil, fmt.Errorf("failed to start management server: %w", err)
	}
	log.Info("Management server listening", "addr", running.Addr)
	return running.Close, nil
}
