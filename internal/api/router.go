package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func NewRouter(f Fleet) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	h := NewHandler(f)
	r.GET("/api/fleet", h.Fleet)
	r.GET("/api/routes/:route/vehicles/:vehicle/upcoming", h.Upcoming)
	r.GET("/api/routes/:route/vehicles/:vehicle/future-route", h.FutureRoute)
	r.GET("/api/follow", h.Followed)
	r.PUT("/api/follow/:route/:vehicle", h.Follow)
	r.DELETE("/api/follow", h.Unfollow)
	r.GET("/api/follow/trail", h.Trail)
	r.POST("/api/refresh", h.Refresh)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	return r
}

// Serve starts the API server and shuts it down when ctx ends.
func Serve(ctx context.Context, addr string, handler http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("api server error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", addr)
	return srv
}
