package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	backupagent "github.com/httprunner/BackupAgent"
	"github.com/httprunner/BackupAgent/internal/agent/backup"
	"github.com/httprunner/BackupAgent/internal/agent/device"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultStreamInterval = time.Second
	shutdownTimeout       = 5 * time.Second
	writeTimeout          = 10 * time.Second
)

// Config controls the HTTP surface.
type Config struct {
	Addr   string
	HostID string
	// StreamInterval is the websocket snapshot period.
	StreamInterval time.Duration
	// RateLimit caps mutating requests per client per minute; 0 disables.
	RateLimit int
}

// Server exposes the agent service as JSON over HTTP.
type Server struct {
	svc      *backupagent.Service
	cfg      Config
	engine   *gin.Engine
	upgrader websocket.Upgrader
	started  time.Time
}

// New builds the router.
func New(svc *backupagent.Service, cfg Config) *Server {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = defaultStreamInterval
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		svc:     svc,
		cfg:     cfg,
		engine:  gin.New(),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	// ClientIP keys the rate limiter, so forwarding headers are ignored.
	_ = s.engine.SetTrustedProxies(nil)
	s.engine.Use(gin.Recovery(), requestLogger(), rateLimit(cfg.RateLimit))
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.health)
	api.GET("/ws", s.stream)

	devices := api.Group("/devices")
	devices.GET("", s.listDevices)
	devices.POST("", s.addDevice)
	devices.GET("/:vendor/:product", s.getDevice)
	devices.DELETE("/:vendor/:product", s.removeDevice)
	devices.POST("/:vendor/:product/backup", s.triggerBackup)
	devices.DELETE("/:vendor/:product/backup", s.cancelBackup)
	devices.GET("/:vendor/:product/backups", s.backupHistory)
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("http api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "api: listen failed")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "api: shutdown failed")
	}
	log.Info().Msg("http api stopped")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		event := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"host_id": s.cfg.HostID,
		"devices": len(s.svc.ListDevices()),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) listDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.svc.ListDevices()})
}

func (s *Server) getDevice(c *gin.Context) {
	vendorID, productID, ok := deviceKey(c)
	if !ok {
		return
	}
	snap, found := s.svc.GetDevice(vendorID, productID)
	if !found {
		writeError(c, device.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type addDeviceRequest struct {
	VendorID  int `json:"vendor_id" binding:"required"`
	ProductID int `json:"product_id" binding:"required"`
	backupagent.AddRequest
}

func (s *Server) addDevice(c *gin.Context) {
	var req addDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Wrap(backupagent.ErrInvalidRequest, err.Error()))
		return
	}
	m, err := s.svc.AddDevice(c.Request.Context(), req.VendorID, req.ProductID, req.AddRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) removeDevice(c *gin.Context) {
	vendorID, productID, ok := deviceKey(c)
	if !ok {
		return
	}
	if err := s.svc.RemoveDevice(c.Request.Context(), vendorID, productID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) triggerBackup(c *gin.Context) {
	vendorID, productID, ok := deviceKey(c)
	if !ok {
		return
	}
	runID, err := s.svc.TriggerBackup(c.Request.Context(), vendorID, productID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (s *Server) cancelBackup(c *gin.Context) {
	vendorID, productID, ok := deviceKey(c)
	if !ok {
		return
	}
	if _, found := s.svc.GetDevice(vendorID, productID); !found {
		writeError(c, device.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": s.svc.CancelBackup(vendorID, productID)})
}

func (s *Server) backupHistory(c *gin.Context) {
	vendorID, productID, ok := deviceKey(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := s.svc.BackupHistory(c.Request.Context(), vendorID, productID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if runs == nil {
		runs = []backup.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// stream pushes the full device list to the client every StreamInterval
// until the client goes away.
func (s *Server) stream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(gin.H{"devices": s.svc.ListDevices()}); err != nil {
			return
		}
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func deviceKey(c *gin.Context) (int, int, bool) {
	vendorID, err := strconv.Atoi(c.Param("vendor"))
	if err != nil {
		writeError(c, errors.Wrap(backupagent.ErrInvalidRequest, "vendor id must be an integer"))
		return 0, 0, false
	}
	productID, err := strconv.Atoi(c.Param("product"))
	if err != nil {
		writeError(c, errors.Wrap(backupagent.ErrInvalidRequest, "product id must be an integer"))
		return 0, 0, false
	}
	return vendorID, productID, true
}

func writeError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, backupagent.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrNotIdentified),
		errors.Is(err, device.ErrOffline),
		errors.Is(err, device.ErrBackupRunning),
		errors.Is(err, backupagent.ErrAlreadyRegistered),
		errors.Is(err, backupagent.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, device.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
