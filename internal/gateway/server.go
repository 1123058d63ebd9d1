// Package gateway is the bridge between cmux and its clients: an IPC
// endpoint over HTTP for request/response calls and a WebSocket
// endpoint for chat and metadata push.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cmux/cmux/internal/common/config"
	cmuxerrors "github.com/cmux/cmux/internal/common/errors"
	"github.com/cmux/cmux/internal/common/httpmw"
	"github.com/cmux/cmux/internal/common/logger"
	gatewayws "github.com/cmux/cmux/internal/gateway/websocket"
	"github.com/cmux/cmux/pkg/ipc"
)

// Server owns the gin engine, the IPC dispatcher, and the WebSocket
// hub.
type Server struct {
	cfg        config.ServerConfig
	engine     *gin.Engine
	httpServer *http.Server
	dispatcher *ipc.Dispatcher
	hub        *gatewayws.Hub
	logger     *logger.Logger
}

// NewServer assembles routes and middleware. Handlers are registered
// separately via Dispatcher().
func NewServer(cfg config.ServerConfig, dispatcher *ipc.Dispatcher, hub *gatewayws.Hub, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "gateway"))
	engine.Use(httpmw.OtelTracing("gateway"))

	s := &Server{
		cfg:        cfg,
		engine:     engine,
		dispatcher: dispatcher,
		hub:        hub,
		logger:     log.WithComponent("gateway"),
	}

	engine.GET("/health", s.handleHealth)
	engine.POST("/ipc/:channel", s.handleIPC)
	wsHandler := gatewayws.NewHandler(hub, log)
	engine.GET("/ws", wsHandler.HandleConnection)

	return s
}

// Dispatcher exposes the IPC dispatcher for handler registration.
func (s *Server) Dispatcher() *ipc.Dispatcher {
	return s.dispatcher
}

// Hub exposes the WebSocket hub for event wiring.
func (s *Server) Hub() *gatewayws.Hub {
	return s.hub
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}
	s.logger.Info("gateway listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "cmux"})
}

// handleIPC decodes `{args:[…]}`, dispatches to the channel handler,
// and wraps the outcome in the success/error envelope. Handler errors
// map to HTTP status via their error kind.
func (s *Server) handleIPC(c *gin.Context) {
	channel := c.Param("channel")

	var req ipc.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ipc.Fail(cmuxerrors.KindInvalidArgument, "invalid request body: "+err.Error()))
		return
	}

	data, err := s.dispatcher.Dispatch(c.Request.Context(), channel, req.Args)
	if err != nil {
		if errors.Is(err, ipc.ErrUnknownChannel) {
			c.JSON(http.StatusNotFound, ipc.Fail(cmuxerrors.KindNotFound, err.Error()))
			return
		}
		kind := cmuxerrors.KindOf(err)
		s.logger.Debug("ipc call failed",
			zap.String("channel", channel),
			zap.String("kind", kind),
			zap.Error(err))
		c.JSON(cmuxerrors.HTTPStatus(err), ipc.Fail(kind, err.Error()))
		return
	}

	c.JSON(http.StatusOK, ipc.OK(data))
}
