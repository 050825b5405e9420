package main

import (
	"context"
	"fmt"
	"log/slog"

	"agent-webapp/internal/adapter/store"
	"agent-webapp/internal/adapter/transport"
	"agent-webapp/internal/domain"
	"agent-webapp/internal/infra/config"
	"agent-webapp/internal/infra/logger"
	"agent-webapp/internal/infra/tracer"
	"agent-webapp/internal/security"
	"agent-webapp/internal/usecase"
	"agent-webapp/internal/usecase/eventbus"
)

// app holds the wired components shared by serve and ask.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     *eventbus.Bus
	store   store.Store
	session *usecase.Session
	chat    *usecase.ChatService
	audit   *security.FileAuditLogger // nil unless audit.enabled

	retention *security.RetentionJob

	closers []func()
}

// initApp loads config and wires logger, tracer, store, transport and
// the chat service. The caller must call close.
func initApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	rt := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			rt.close()
		}
	}()

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	rt.log = log
	rt.closers = append(rt.closers, func() { _ = logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = tracerShutdown(context.Background()) })

	st, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	rt.store = st
	rt.closers = append(rt.closers, func() {
		if err := st.Close(); err != nil {
			log.Error("store close", "error", err)
		}
	})

	var tokens domain.TokenSource
	if cfg.Transport.Token != "" {
		rt.session = usecase.NewSession(cfg.Transport.Token, func() {
			log.Warn("backend rejected the session token; update transport.token or AGENTWEB_TRANSPORT_TOKEN")
		})
		tokens = rt.session
	}

	var tr domain.Transport
	httpTransport, err := transport.NewHTTPTransport(cfg.Transport, tokens, log)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	tr = httpTransport
	if cfg.Transport.CircuitBreaker.Enabled {
		tr = transport.NewCircuitBreakerTransport(httpTransport, cfg.Transport.CircuitBreaker, log)
	}

	if cfg.Audit.Enabled {
		if err := rt.openAudit(ctx); err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
	}

	// Closing the bus drains pending deliveries, so it must close before
	// the audit log does.
	rt.bus = eventbus.New(log)
	rt.closers = append(rt.closers, rt.bus.Close)
	if rt.audit != nil {
		security.RecordApprovals(rt.bus, rt.audit, log)
	}

	var onReauth func()
	if rt.session != nil {
		onReauth = rt.session.Expire
	}
	rt.chat = usecase.NewChatService(usecase.ChatDeps{
		Transport:     tr,
		Store:         st,
		Bus:           rt.bus,
		Retry:         retryConfig(cfg.Retry),
		AlwaysApprove: cfg.Approval.AlwaysApprove,
		AlwaysDeny:    cfg.Approval.AlwaysDeny,
		OnReauth:      onReauth,
		Logger:        log,
	})

	log.Debug("runtime ready",
		"backend", cfg.Transport.BaseURL,
		"store", cfg.Store.Driver,
		"circuit_breaker", cfg.Transport.CircuitBreaker.Enabled,
		"auth", tokens != nil,
		"audit", rt.audit != nil,
	)
	ok = true
	return rt, nil
}

func (rt *app) openAudit(ctx context.Context) error {
	maxSize, err := security.ParseSize(rt.cfg.Audit.MaxSize)
	if err != nil {
		return err
	}
	audit, err := security.NewFileAuditLogger(rt.cfg.Audit.Path, security.RetentionPolicy{
		MaxAge:  rt.cfg.Audit.MaxAge,
		MaxSize: maxSize,
	})
	if err != nil {
		return err
	}
	rt.audit = audit
	rt.closers = append(rt.closers, func() {
		if err := audit.Close(); err != nil {
			rt.log.Error("audit close", "error", err)
		}
	})
	rt.retention = security.NewRetentionJob(audit, rt.log)
	rt.retention.Run(ctx)
	return nil
}

// scheduleRetention keeps applying the audit retention policy on
// audit.retention_schedule until the app closes.
func (rt *app) scheduleRetention(ctx context.Context) error {
	schedule, err := config.ParseSchedule(rt.cfg.Audit.RetentionSchedule)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	rt.retention.Start(ctx, schedule)
	rt.closers = append(rt.closers, rt.retention.Stop)
	return nil
}

// auditLogger returns the audit trail as an interface, nil when disabled.
func (rt *app) auditLogger() domain.AuditLogger {
	if rt.audit == nil {
		return nil
	}
	return rt.audit
}

// close releases components in reverse order of creation.
func (rt *app) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// retryConfig converts the YAML retry section. Unknown codes were already
// rejected by config validation.
func retryConfig(cfg config.RetryConfig) usecase.RetryConfig {
	codes := make([]domain.ErrorCode, 0, len(cfg.RetryOn))
	for _, c := range cfg.RetryOn {
		codes = append(codes, domain.ErrorCode(c))
	}
	return usecase.RetryConfig{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Jitter:       cfg.Jitter,
		RetryOn:      codes,
	}
}
