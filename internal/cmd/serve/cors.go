package serve

import (
	"net/http"
	"strings"

	"github.com/chirino/threadsync/internal/plugin/route/local"
	"github.com/gin-gonic/gin"
)

// corsPolicy admits browser chat clients served from other origins. Before sign-in they
// identify their device with X-Device-ID; after it they send a bearer token as well.
type corsPolicy struct {
	origins  map[string]bool
	allowAny bool
}

func newCORSPolicy(originsCSV string) corsPolicy {
	origins := parseOrigins(originsCSV)
	return corsPolicy{origins: origins, allowAny: origins["*"]}
}

func (p corsPolicy) allows(origin string) bool {
	return origin != "" && (p.allowAny || p.origins[origin])
}

func corsMiddleware(originsCSV string) gin.HandlerFunc {
	policy := newCORSPolicy(originsCSV)
	allowHeaders := strings.Join([]string{"Authorization", "Content-Type", local.DeviceHeader}, ", ")
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""
		if !policy.allows(origin) {
			if preflight {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Credentials", "true")
		// Local routes echo the canonical device id; scripts can only read it when exposed.
		h.Set("Access-Control-Expose-Headers", local.DeviceHeader)
		if preflight {
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE")
			h.Set("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func parseOrigins(raw string) map[string]bool {
	result := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			result[v] = true
		}
	}
	if len(result) == 0 {
		result["*"] = true
	}
	return result
}
