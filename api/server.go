// Package api is the thin HTTP transport in front of the Pool Engine: it
// parses requests, calls the Engine, and renders the exact JSON shapes
// §6 mandates. It carries no pool semantics of its own.
package api

import (
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/r33drichards/ip-allocator-webserver/internal/engine"
)

// Server wires the Pool Engine behind a gin.Engine router.
type Server struct {
	router *gin.Engine
	engine *engine.Engine
	events *engine.Broadcaster
	log    *zap.Logger
}

// NewServer builds a Server and registers every route. events feeds the
// admin live event websocket; a nil Broadcaster disables that endpoint's
// output (the connection is accepted but nothing is ever sent).
func NewServer(eng *engine.Engine, events *engine.Broadcaster, log *zap.Logger) *Server {
	router := gin.New()
	router.Use(ginzap.Ginzap(log, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(log, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{router: router, engine: eng, events: events, log: log.Named("api")}
	s.registerRoutes()
	return s
}

// Router exposes the underlying gin.Engine for tests and for wrapping in
// an http.Server by the caller.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/borrow", s.handleBorrow)
	s.router.POST("/return", s.handleReturn)
	s.router.POST("/submit", s.handleSubmit)
	s.router.GET("/operations/:id", s.handleGetOperation)

	admin := s.router.Group("/admin")
	{
		admin.GET("/stats", s.handleAdminStats)
		admin.GET("/list", s.handleAdminList)
		admin.POST("/force-return", s.handleAdminForceReturn)
		admin.DELETE("/item", s.handleAdminDeleteItem)
		admin.DELETE("/borrowed", s.handleAdminDeleteBorrowed)
		admin.GET("/events", s.handleAdminEvents)
		admin.GET("/operations", s.handleAdminListOperations)
		admin.DELETE("/operations/:id", s.handleAdminDeleteOperation)
		admin.GET("/operations/:id/events", s.handleAdminOperationEvents)
	}
}
