package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"fieldsync/internal/observability"

	"github.com/gin-gonic/gin"
)

// RouteInfo represents information about a single route
type RouteInfo struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	HandlerName string `json:"handler_name"`
}

// RouteListingHandler lists the routes a router serves
type RouteListingHandler struct {
	serviceName string
	routes      []RouteInfo
}

// NewRouteListingHandler creates a new route listing handler
func NewRouteListingHandler(serviceName string) *RouteListingHandler {
	return &RouteListingHandler{
		serviceName: serviceName,
		routes:      []RouteInfo{},
	}
}

// CollectRoutes extracts all routes from a Gin engine
func (h *RouteListingHandler) CollectRoutes(engine *gin.Engine) {
	h.routes = []RouteInfo{}

	for _, route := range engine.Routes() {
		// Skip internal Gin routes
		if strings.HasPrefix(route.Path, "/debug/") {
			continue
		}

		h.routes = append(h.routes, RouteInfo{
			Method:      route.Method,
			Path:        route.Path,
			HandlerName: route.Handler,
		})
	}

	sort.Slice(h.routes, func(i, j int) bool {
		if h.routes[i].Path == h.routes[j].Path {
			return h.routes[i].Method < h.routes[j].Method
		}
		return h.routes[i].Path < h.routes[j].Path
	})
}

// GetRouteListing returns the route listing as JSON, or as plain text with ?format=text
func (h *RouteListingHandler) GetRouteListing(c *gin.Context) {
	_, span := observability.TraceHandlerFunction(c.Request.Context(), "get_route_listing")
	defer observability.FinishSpan(span, nil)

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	if c.Query("format") == "text" {
		c.String(http.StatusOK, h.text())
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": h.serviceName, "routes": h.routes})
}

func (h *RouteListingHandler) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d routes, %d GET, %d POST\n", h.serviceName, len(h.routes), h.countMethods(http.MethodGet), h.countMethods(http.MethodPost))
	for _, route := range h.routes {
		fmt.Fprintf(&b, "%-7s %s\n", route.Method, route.Path)
	}
	return b.String()
}

// countMethods counts routes by HTTP method
func (h *RouteListingHandler) countMethods(method string) int {
	count := 0
	for _, route := range h.routes {
		if route.Method == method {
			count++
		}
	}
	return count
}
