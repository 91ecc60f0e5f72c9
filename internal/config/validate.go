package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config and returns every problem found. Values that
// would break the daemon (zero workers, negative timeouts) are clamped to a
// safe value; the rest are reported but do not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.SocketPath == "" {
		errs = append(errs, fmt.Errorf("socket_path is empty"))
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("metrics_addr %q is not host:port: %w", c.MetricsAddr, err))
		}
	}

	errs = clamp(errs, "audit_max_size_mb", &c.AuditMaxSizeMB, 1, 1024)
	errs = clamp(errs, "audit_max_backups", &c.AuditMaxBackups, 1, 100)
	errs = clamp(errs, "max_concurrent_negotiations", &c.MaxConcurrentNegotiations, 1, 64)
	errs = clamp(errs, "negotiation_queue_size", &c.NegotiationQueueSize, 1, 1024)
	errs = clamp(errs, "request_rate_limit", &c.RequestRateLimit, 1, 600)
	errs = clamp(errs, "enumerate_timeout_seconds", &c.EnumerateTimeoutSeconds, 1, 300)
	errs = clamp(errs, "picker_timeout_seconds", &c.PickerTimeoutSeconds, 1, 3600)
	// zero keeps the unbounded wait
	errs = clamp(errs, "loopback_timeout_seconds", &c.LoopbackTimeoutSeconds, 0, 600)
	errs = clamp(errs, "browser_width", &c.BrowserWidth, 1, 8192)
	errs = clamp(errs, "browser_height", &c.BrowserHeight, 1, 8192)

	switch c.LoopbackMode {
	case "frame", "system":
	default:
		errs = append(errs, fmt.Errorf("loopback_mode %q is not valid (use frame or system), using frame", c.LoopbackMode))
		c.LoopbackMode = "frame"
	}

	if c.LoopbackMode == "frame" {
		u, err := url.Parse(c.LoopbackURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, fmt.Errorf("loopback_url %q must be an absolute http(s) URL", c.LoopbackURL))
		}
	}

	if c.BrowserControlURL != "" {
		u, err := url.Parse(c.BrowserControlURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http") {
			errs = append(errs, fmt.Errorf("browser_control_url %q must be a ws:// or http:// DevTools endpoint", c.BrowserControlURL))
		}
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}

func clamp(errs []error, key string, v *int, lo, hi int) []error {
	switch {
	case *v < lo:
		errs = append(errs, fmt.Errorf("%s %d is below minimum %d, clamping", key, *v, lo))
		*v = lo
	case *v > hi:
		errs = append(errs, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, *v, hi))
		*v = hi
	}
	return errs
}
