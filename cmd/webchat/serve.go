package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"agent-webapp/internal/adapter/gateway"
	"agent-webapp/internal/usecase"
)

func runServe(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(flags.Args) > 0 {
		return fmt.Errorf("unexpected arguments: %v", flags.Args)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := initApp(ctx, configPath(flags))
	if err != nil {
		return err
	}
	defer a.close()

	if !a.cfg.Gateway.Enabled {
		return fmt.Errorf("gateway is disabled (set gateway.enabled or AGENTWEB_GATEWAY_ENABLED=true)")
	}

	srv := gateway.NewServer(a.bus, gateway.NewAuthenticator(a.cfg.Gateway.Auth), a.cfg.Gateway, a.log)
	deps := gateway.HandlerDeps{
		Chat:       a.chat,
		Store:      a.store,
		Bus:        a.bus,
		Authorizer: &usecase.RBACAuthorizer{},
		Audit:      a.auditLogger(),
		Logger:     a.log,
	}
	gateway.RegisterDefaultHandlers(srv, deps)
	gateway.RegisterRESTHandlers(srv, deps)

	a.log.Info("webchat starting",
		"addr", a.cfg.Gateway.Addr,
		"backend", a.cfg.Transport.BaseURL,
		"auth", a.cfg.Gateway.Auth.Type,
		"store", a.cfg.Store.Driver,
	)

	if a.retention != nil {
		if err := a.scheduleRetention(ctx); err != nil {
			return err
		}
	}

	// Blocks until SIGINT/SIGTERM.
	err = srv.Start(ctx)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	a.chat.Shutdown(shutdownCtx)
	a.log.Info("webchat stopped")
	return err
}
