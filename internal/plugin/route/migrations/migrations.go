package migrations

import (
	"net/http"
	"strings"
	"time"

	"github.com/chirino/threadsync/internal/migration"
	"github.com/chirino/threadsync/internal/plugin/route/local"
	registryroute "github.com/chirino/threadsync/internal/registry/route"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/chirino/threadsync/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  20,
		Type:   registryroute.RouteTypeMain,
		Loader: MountRoutes,
	})
}

// MountRoutes mounts POST /v1/migrations, which moves the calling device's local data
// into the remote store on behalf of the signed-in user.
func MountRoutes(r *gin.Engine, deps *registryroute.Deps) error {
	r.POST("/v1/migrations", deps.Auth, func(c *gin.Context) {
		migrate(c, deps)
	})
	return nil
}

func migrate(c *gin.Context, deps *registryroute.Deps) {
	store, err := deps.Local.Open(strings.TrimSpace(c.GetHeader(local.DeviceHeader)))
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}

	var timeout time.Duration
	if deps.Config != nil {
		timeout = deps.Config.MigrationTimeout
	}
	coordinator := migration.NewCoordinator(store, deps.Store, timeout)

	summary, err := coordinator.Migrate(c.Request.Context(), security.GetUserID(c))
	if registrystore.IsTransient(err) {
		// Nothing was marked migrated; the client retries the whole call.
		c.JSON(http.StatusInternalServerError, gin.H{"code": "migration_failed", "error": err.Error(), "retryable": true})
		return
	}
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
