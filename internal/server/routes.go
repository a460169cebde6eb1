// Package server wires HTTP handlers into a gin engine for the hellosock
// application via routing helpers.
package server

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures the gin engine with the recovery and request logging
// middleware and the static page route. Namespace routes are added by
// Server.Of. Every other path falls through to gin's default 404.
func SetupRoutes(srv *Server) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), RequestLogger(srv.logger))

	page := StaticPageHandler(srv.cfg.StaticFile)
	engine.GET("/", page)
	engine.HEAD("/", page)

	return engine
}
