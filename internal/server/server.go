// Package server exposes the voice skill endpoint, the chat webhook and a
// small admin API over HTTP.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/ventriloquist/internal/chat"
	"github.com/zulandar/ventriloquist/internal/clova"
	"github.com/zulandar/ventriloquist/internal/durable"
)

// VoiceSkill answers CEK requests. Implemented by clova.Skill.
type VoiceSkill interface {
	Respond(ctx context.Context, req *clova.Request) (*clova.Response, error)
}

// Webhook verifies and parses chat platform callbacks. Implemented by
// line.Client.
type Webhook interface {
	ParseRequest(r *http.Request) ([]chat.Update, error)
}

// UpdateHandler queues one chat update and reports its result on the
// returned channel. Updates from one user must be handled in submission
// order. Implemented by dispatch.ChatDispatcher.
type UpdateHandler interface {
	Submit(ctx context.Context, u chat.Update) <-chan error
}

// InstanceAdmin is the part of the engine the admin API uses.
type InstanceAdmin interface {
	Status(ctx context.Context, key string) (*durable.InstanceStatus, error)
	Terminate(ctx context.Context, key, reason string) error
}

// Opts holds configuration for the HTTP server.
type Opts struct {
	Skill      VoiceSkill
	Webhook    Webhook       // nil when the chat platform uses a socket
	Chat       UpdateHandler // required with Webhook
	Admin      InstanceAdmin
	AdminToken string
	Host       string
	Port       int
	Out        io.Writer
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(opts Opts) (*gin.Engine, error) {
	if opts.Skill == nil {
		return nil, fmt.Errorf("server: voice skill is required")
	}
	if opts.Admin == nil {
		return nil, fmt.Errorf("server: instance admin is required")
	}
	if opts.Webhook != nil && opts.Chat == nil {
		return nil, fmt.Errorf("server: chat handler is required with a webhook")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Server listening on %s\n", srv.Addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
