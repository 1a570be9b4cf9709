package server

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

var serverStartTime = time.Now()

// SetupRouter builds the gin router exposing the Command API boundary.
// exportAPI may be nil, in which case the export/import routes are not
// registered (used by tests that only exercise the Command API).
func SetupRouter(api *API, exportAPI *ExportAPI) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(corsMiddleware())

	r.POST("/commands/start", api.Start)
	r.GET("/commands/status", api.Status)
	r.POST("/commands/next", api.Next)
	r.POST("/commands/stop", api.Stop)
	r.POST("/commands/refresh", api.Refresh)
	r.GET("/commands/list_devices", api.ListDevices)

	if exportAPI != nil {
		r.GET("/export/:run_id", exportAPI.Export)
		r.POST("/export/import", exportAPI.Import)
	}

	r.GET("/health", healthHandler)

	return r
}

func healthHandler(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	c.JSON(200, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(serverStartTime).Seconds()),
		"ram_mb":         float64(memStats.Alloc) / 1024 / 1024,
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),
		"os":             runtime.GOOS,
		"arch":           runtime.GOARCH,
	})
}

// requestIDMiddleware stamps every request with an opaque correlation id,
// reused from the client's header when present, so a single command can be
// traced through the Serializer and the Remote Client's retry logging.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Writer.Header().Set(requestIDHeader, reqID)
		c.Set("request_id", reqID)

		start := time.Now()
		c.Next()
		slog.Info("request",
			"request_id", reqID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// corsMiddleware handles CORS for browser-based UI clients.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Spotify-User-Id")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
