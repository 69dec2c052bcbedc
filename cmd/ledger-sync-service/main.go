package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/ledger_sync/config"
	"bitbucket.org/mmdatafocus/ledger_sync/ledgersync"
	"bitbucket.org/mmdatafocus/ledger_sync/models"
	"bitbucket.org/mmdatafocus/ledger_sync/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("LEDGER_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PATCH", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	remote, err := ledgersync.NewRemoteClient(os.Getenv("LEDGER_API_KEY"))
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "remote"}).Fatal(err)
	}

	manager := ledgersync.NewSessionManager(nil) // cache handle attached after DB connect
	engine := ledgersync.NewEngine(remote, logger)
	coordinator := ledgersync.NewCoordinator(remote, engine, logger)

	var parser *ledgersync.ParserClient
	if key := strings.TrimSpace(os.Getenv("PARSE_API_KEY")); key != "" {
		parser, err = ledgersync.NewParserClient(key)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "parser"}).Warn(err)
		}
	}

	svc := &ledgersync.Service{
		Manager:     manager,
		Engine:      engine,
		Coordinator: coordinator,
		Parser:      parser,
	}

	r.POST("/v1/ledgers/:ledgerId/sync", svc.TriggerSyncHandler())
	r.GET("/v1/ledgers/:ledgerId/sync/status", svc.StatusHandler())
	r.POST("/v1/ledgers/:ledgerId/activate", svc.ActivateHandler())
	r.GET("/v1/ledgers/:ledgerId/transactions", svc.ListHandler())
	r.POST("/v1/ledgers/:ledgerId/transactions", svc.CreateHandler())
	r.PATCH("/v1/ledgers/:ledgerId/transactions/:txId", svc.UpdateHandler())
	r.DELETE("/v1/ledgers/:ledgerId/transactions/:txId", svc.DeleteHandler())
	r.POST("/v1/parse", svc.ParseHandler())

	// Pub/Sub push endpoint for change notifications.
	r.POST("/pubsub/ledger-changes", svc.PubSubPushHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	if err := config.ConnectDatabase(); err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err)
	}
	models.MigrateTable()
	manager.AttachDB(config.GetDB())

	if strings.EqualFold(strings.TrimSpace(os.Getenv("ENABLE_CHANGE_LISTENER")), "true") {
		go func() {
			if err := ledgersync.RunChangeListener(sigCtx, manager, engine); err != nil && sigCtx.Err() == nil {
				logger.WithFields(logrus.Fields{"field": "change_listener"}).Error(err)
			}
		}()
	}

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
