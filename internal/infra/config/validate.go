package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateTransport(cfg, ve)
	validateRetry(cfg, ve)
	validateApproval(cfg, ve)
	validateStore(cfg, ve)
	validateGateway(cfg, ve)
	validateRender(cfg, ve)
	validateAudit(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateTransport(cfg *Config, ve *ValidationError) {
	t := cfg.Transport
	if t.BaseURL == "" {
		ve.Add("transport.base_url must not be empty")
	} else if u, err := url.Parse(t.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("transport.base_url %q must be an absolute http(s) URL", t.BaseURL)
	}
	for name, p := range map[string]string{"stream_path": t.StreamPath, "approval_path": t.ApprovalPath} {
		if !strings.HasPrefix(p, "/") {
			ve.Add("transport.%s %q must start with /", name, p)
		}
	}
	if t.ConnTimeout < 0 {
		ve.Add("transport.conn_timeout must be >= 0")
	}
	if t.RespTimeout < 0 {
		ve.Add("transport.resp_timeout must be >= 0")
	}
	if t.RateLimit.RequestsPerSecond < 0 {
		ve.Add("transport.rate_limit.requests_per_second must be >= 0")
	}
	if t.RateLimit.RequestsPerSecond > 0 && t.RateLimit.Burst < 1 {
		ve.Add("transport.rate_limit.burst must be >= 1 when rate limiting is enabled")
	}
	if t.CircuitBreaker.Enabled {
		if t.CircuitBreaker.Timeout < 0 || t.CircuitBreaker.Interval < 0 {
			ve.Add("transport.circuit_breaker durations must be >= 0")
		}
	}
}

var validErrorCodes = map[string]bool{
	"NETWORK": true,
	"AUTH":    true,
	"STREAM":  true,
	"SERVER":  true,
	"UNKNOWN": true,
}

func validateRetry(cfg *Config, ve *ValidationError) {
	r := cfg.Retry
	if r.MaxAttempts < 1 {
		ve.Add("retry.max_attempts must be >= 1")
	}
	if r.InitialDelay <= 0 {
		ve.Add("retry.initial_delay must be > 0")
	}
	if r.MaxDelay != 0 && r.MaxDelay < r.InitialDelay {
		ve.Add("retry.max_delay must be >= retry.initial_delay")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		ve.Add("retry.jitter must be between 0 and 1")
	}
	for i, code := range r.RetryOn {
		if !validErrorCodes[code] {
			ve.Add("retry.retry_on[%d] %q is invalid (want: NETWORK, AUTH, STREAM, SERVER, UNKNOWN)", i, code)
		}
	}
}

func validateApproval(cfg *Config, ve *ValidationError) {
	deny := make(map[string]bool, len(cfg.Approval.AlwaysDeny))
	for _, tool := range cfg.Approval.AlwaysDeny {
		deny[tool] = true
	}
	for _, tool := range cfg.Approval.AlwaysApprove {
		if deny[tool] {
			ve.Add("approval: tool %q is in both always_approve and always_deny", tool)
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required for the sqlite driver")
		}
	default:
		ve.Add("store.driver %q is invalid (want: sqlite, memory)", cfg.Store.Driver)
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	host, _, err := net.SplitHostPort(cfg.Gateway.Addr)
	if err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	} else if cfg.Gateway.Auth.Type == "" && !isLoopback(host) {
		ve.Add("gateway.auth.type is required when gateway.addr %q is not a loopback address", cfg.Gateway.Addr)
	}
	if rl := cfg.Gateway.RateLimit; rl.RequestsPerMin < 0 {
		ve.Add("gateway.rate_limit.requests_per_min must be >= 0")
	} else if rl.RequestsPerMin > 0 && rl.Burst < 1 {
		ve.Add("gateway.rate_limit.burst must be >= 1")
	}
	switch cfg.Gateway.Auth.Type {
	case "":
	case "static":
		if len(cfg.Gateway.Auth.Tokens) == 0 {
			ve.Add("gateway.auth.tokens must not be empty for static auth")
		}
		for i, tok := range cfg.Gateway.Auth.Tokens {
			if tok.Token == "" {
				ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
			}
		}
	default:
		ve.Add("gateway.auth.type %q is invalid (want: static)", cfg.Gateway.Auth.Type)
	}
}

var validRenderStyles = map[string]bool{"auto": true, "dark": true, "light": true, "notty": true, "ascii": true}

func validateRender(cfg *Config, ve *ValidationError) {
	if !validRenderStyles[cfg.Render.Style] {
		ve.Add("render.style %q is invalid (want: auto, dark, light, notty, ascii)", cfg.Render.Style)
	}
	if cfg.Render.WordWrap < 0 {
		ve.Add("render.word_wrap must be >= 0")
	}
}

var sizePattern = regexp.MustCompile(`(?i)^\s*\d+\s*([kmg]?b)?\s*$`)

func validateAudit(cfg *Config, ve *ValidationError) {
	if !cfg.Audit.Enabled {
		return
	}
	if cfg.Audit.Path == "" {
		ve.Add("audit.path is required when audit is enabled")
	}
	if cfg.Audit.MaxAge < 0 {
		ve.Add("audit.max_age must be >= 0")
	}
	if cfg.Audit.MaxSize != "" && !sizePattern.MatchString(cfg.Audit.MaxSize) {
		ve.Add("audit.max_size %q is invalid (e.g. 500KB, 50MB, 1GB)", cfg.Audit.MaxSize)
	}
	if _, err := ParseSchedule(cfg.Audit.RetentionSchedule); err != nil {
		ve.Add("audit.retention_schedule: %v", err)
	}
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor such as
// "@hourly" or "@every 30m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	case "file":
		if cfg.Tracer.Endpoint == "" {
			ve.Add("tracer.endpoint is required for the file exporter")
		}
	default:
		ve.Add("tracer.exporter %q is invalid (want: stdout, file, noop)", cfg.Tracer.Exporter)
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
