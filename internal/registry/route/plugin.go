package route

import (
	"errors"
	"net/http"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/threadsync/internal/access"
	"github.com/chirino/threadsync/internal/config"
	"github.com/chirino/threadsync/internal/localstore"
	"github.com/chirino/threadsync/internal/reconcile"
	registrystore "github.com/chirino/threadsync/internal/registry/store"
	"github.com/gin-gonic/gin"
)

// Deps are the shared services route plugins mount against.
type Deps struct {
	Config     *config.Config
	Providers  config.ProviderSet
	Store      registrystore.RemoteStore
	Access     *access.Resolver
	Local      *localstore.Manager
	Reconciler *reconcile.Reconciler
	// Auth requires a caller identity; OptionalAuth lets anonymous callers through.
	Auth         gin.HandlerFunc
	OptionalAuth gin.HandlerFunc
}

// RouterLoader initializes routes on the gin engine.
type RouterLoader func(r *gin.Engine, deps *Deps) error

// RouteType distinguishes which server a plugin's routes belong to.
type RouteType int

const (
	// RouteTypeMain registers routes on the main API server.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement registers routes on the management server (health, metrics).
	// When no dedicated management port is configured, these are mounted on the main server.
	RouteTypeManagement
)

// Plugin represents a route plugin with an order for deterministic mount sequence.
type Plugin struct {
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var (
	mu      sync.Mutex
	plugins []Plugin
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	plugins = append(plugins, p)
}

func loaders(t RouteType) []RouterLoader {
	mu.Lock()
	defer mu.Unlock()
	sort.SliceStable(plugins, func(i, j int) bool { return plugins[i].Order < plugins[j].Order })
	var out []RouterLoader
	for _, p := range plugins {
		if p.Type == t {
			out = append(out, p.Loader)
		}
	}
	return out
}

// MainRouteLoaders returns loaders for RouteTypeMain plugins, sorted by order.
func MainRouteLoaders() []RouterLoader { return loaders(RouteTypeMain) }

// ManagementRouteLoaders returns loaders for RouteTypeManagement plugins, sorted by order.
func ManagementRouteLoaders() []RouterLoader { return loaders(RouteTypeManagement) }

// WriteError maps the typed store errors onto HTTP responses.
func WriteError(c *gin.Context, err error) {
	var unauthenticated *registrystore.UnauthenticatedError
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError
	var transient *registrystore.TransientError

	switch {
	case errors.As(err, &unauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"code": "unauthenticated", "error": err.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
	case errors.As(err, &conflict):
		body := gin.H{"code": "conflict", "error": err.Error()}
		if conflict.Code != "" {
			body["code"] = conflict.Code
		}
		if len(conflict.Details) > 0 {
			body["details"] = conflict.Details
		}
		c.JSON(http.StatusConflict, body)
	case errors.As(err, &forbidden):
		if forbidden.Anonymous {
			c.JSON(http.StatusUnauthorized, gin.H{"code": "unauthenticated", "error": err.Error()})
			return
		}
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	case errors.As(err, &transient):
		log.Warn("Store unavailable", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "unavailable", "error": "store temporarily unavailable; retry later"})
	default:
		log.Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
