// Package httpserver assembles the relay's HTTP surface: the WebSocket
// upgrade route, JSON status endpoints, metrics and the optional browser pages.
package httpserver

import (
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/LemmyAI/roomrelay/internal/metrics"
	"github.com/LemmyAI/roomrelay/internal/peer"
	"github.com/LemmyAI/roomrelay/internal/room"
	"github.com/LemmyAI/roomrelay/internal/webrtc"
)

// Options holds everything the routes read from.
type Options struct {
	// Upgrade serves /ws.
	Upgrade http.Handler

	Peers   *peer.Registry
	Rooms   *room.Directory
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger

	AllowedOrigins []string
	KakaoMapAPIKey string
	ICEServers     []pionwebrtc.ICEServer

	// ViewsDir holds index.html, sender.html, receiver.html and 404.html.
	ViewsDir string
	// PublicDir is served at the root for any path no route matches.
	PublicDir string

	Release bool
}

// Status is the /api/status body.
type Status struct {
	Connections int               `json:"connections"`
	Rooms       int               `json:"rooms"`
	ActiveRooms int               `json:"active_rooms"`
	Peers       []peer.Connection `json:"peers"`
}

// New builds the gin engine.
func New(opts Options) *gin.Engine {
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(opts.Log), cors(opts.AllowedOrigins))

	r.GET("/ws", gin.WrapH(opts.Upgrade))
	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	iceServers := webrtc.ForBrowser(opts.ICEServers)
	api := r.Group("/api")
	{
		api.GET("/config", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"KAKAO_MAP_API_KEY": opts.KakaoMapAPIKey,
				"iceServers":        iceServers,
			})
		})
		api.GET("/rooms", func(c *gin.Context) {
			c.JSON(http.StatusOK, opts.Rooms.ActiveRooms())
		})
		api.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, Status{
				Connections: opts.Peers.Count(),
				Rooms:       opts.Rooms.Count(),
				ActiveRooms: len(opts.Rooms.ActiveRooms()),
				Peers:       opts.Peers.Snapshot(),
			})
		})
	}

	pages := map[string]string{
		"/":         "index.html",
		"/sender":   "sender.html",
		"/receiver": "receiver.html",
	}
	if opts.ViewsDir != "" {
		for path, file := range pages {
			page := filepath.Join(opts.ViewsDir, file)
			r.GET(path, func(c *gin.Context) {
				c.File(page)
			})
		}
	}
	r.NoRoute(fallback(opts.PublicDir, opts.ViewsDir))

	return r
}

// fallback serves files from publicDir, then the 404 page.
func fallback(publicDir, viewsDir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if publicDir != "" && c.Request.Method == http.MethodGet {
			if file, ok := publicFile(publicDir, c.Request.URL.Path); ok {
				c.File(file)
				return
			}
		}

		if viewsDir != "" {
			if body, err := os.ReadFile(filepath.Join(viewsDir, "404.html")); err == nil {
				c.Data(http.StatusNotFound, "text/html; charset=utf-8", body)
				return
			}
		}
		c.String(http.StatusNotFound, "404 page not found")
	}
}

// publicFile resolves urlPath inside dir, refusing anything that escapes it.
func publicFile(dir, urlPath string) (string, bool) {
	rel := filepath.FromSlash(strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+urlPath)), "/"))
	if rel == "" || rel == "." {
		return "", false
	}
	full := filepath.Join(dir, rel)
	if !strings.HasPrefix(full, filepath.Clean(dir)+string(filepath.Separator)) {
		return "", false
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return "", false
	}
	return full, true
}

func cors(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case len(allowed) == 0:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(allowed, origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// The upgrade route logs through the transport.
		if c.FullPath() == "/ws" {
			return
		}
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("HTTP request")
	}
}
