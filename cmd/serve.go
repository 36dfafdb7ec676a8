// Package cmd provides the kong command implementations for the mcpcore
// demo entrypoint, mirroring the teacher's daemon/cmd (Boot, MCPStdio)
// one-command-struct-per-transport convention.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kbrennan/mcpcore/capability"
	"github.com/kbrennan/mcpcore/logger"
	"github.com/kbrennan/mcpcore/registry"
	"github.com/kbrennan/mcpcore/router"
	"github.com/kbrennan/mcpcore/server"
	"github.com/kbrennan/mcpcore/session"
	"github.com/kbrennan/mcpcore/transport"
)

// Version is set by main from its build-time ldflags variable.
var Version = "dev"

// Serve runs the server over stdin/stdout, the preferred transport for a
// local AI client shelling out to this binary, per spec §4.1.
type Serve struct {
	Name string `default:"mcpcore-serve" help:"server name reported during initialize"`
}

// demoRegistry registers the handful of example tools/resources a bare
// mcpcore-serve process exposes; a real deployment registers its own
// handlers against the same Registry before calling Run.
func demoRegistry() *registry.Registry {
	reg := registry.New(nil)
	reg.RegisterTool(registry.Tool{
		Name:        "echo",
		Description: "Echoes its input back as text content.",
		InputSchema: []byte(`{"type":"object","required":["message"],"properties":{"message":{"type":"string"}}}`),
		Handler: registry.Typed(func(ctx registry.HandlerContext, args struct {
			Message string `json:"message"`
		}) (any, error) {
			return map[string]any{
				"content": []map[string]string{{"type": "text", "text": args.Message}},
				"isError": false,
			}, nil
		}),
	})
	if err := reg.RegisterResource(registry.Resource{
		Name:        "server-info",
		URI:         "mcpcore://server/info",
		MimeType:    "application/json",
		Description: "Static build metadata for this server process.",
		Handler: func(ctx registry.HandlerContext, uri string, captures map[string]string) (any, error) {
			return map[string]string{"version": Version}, nil
		},
	}); err != nil {
		logger.Error("register server-info resource: %v", err)
	}
	return reg
}

// Run boots a Server over STDIO and blocks until the process receives a
// termination signal or the transport disconnects.
func (s *Serve) Run(appCtx context.Context) error {
	reg := demoRegistry()

	cfg := server.Config{
		Info: server.Info{Name: s.Name, Version: Version},
		SupportedVersions: []capability.Version{
			capability.MustParseVersion("2025-06-18"),
			capability.MustParseVersion("2024-11-05"),
		},
		Capabilities: capability.ServerCapabilities{Tools: true, Resources: true, Logging: true},
	}

	recovery := &router.RecoveryMiddleware{Log: logger.Error}
	logging := &router.LoggingMiddleware{Log: logger.Debug}
	srv := server.New(cfg, reg, recovery, logging)

	srv.Lifecycle().AddHealthCheck(session.HealthCheck{
		Name:  "registry",
		Probe: func(ctx context.Context) error { return nil },
	})
	srv.Lifecycle().Start()

	tr := transport.NewStdioTransport(os.Stdin, os.Stdout, nil)
	conn, err := server.Accept(appCtx, srv, tr)
	if err != nil {
		return fmt.Errorf("cmd: accept stdio connection: %w", err)
	}

	ctx, cancel := context.WithCancel(appCtx)
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutdown signal received")
		srv.Shutdown(func(drainCtx context.Context) {
			<-drainCtx.Done()
		})
		cancel()
	}()

	logger.Success("mcpcore-serve %s listening on stdio", Version)
	return conn.Serve(ctx)
}
