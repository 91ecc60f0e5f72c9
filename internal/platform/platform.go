// Package platform derives the fixed negotiation strategy for the host the
// process runs on.
package platform

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/breeze-rmm/screenshare/internal/logging"
)

var log = logging.L("platform")

// Host is the subset of the process environment the policy depends on.
type Host struct {
	OS             string `json:"os"` // runtime.GOOS values
	SessionType    string `json:"sessionType,omitempty"`
	WaylandDisplay string `json:"waylandDisplay,omitempty"`
	Platform       string `json:"platform,omitempty"`
	Release        string `json:"release,omitempty"`
}

// Detect inspects the running process. Platform and Release are filled in
// from the OS when available and are informational only.
func Detect(ctx context.Context) Host {
	h := DetectFrom(runtime.GOOS, os.Getenv)

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		log.Debug("host info unavailable", "error", err)
		return h
	}
	h.Platform = info.Platform
	h.Release = info.PlatformVersion
	return h
}

// DetectFrom builds a Host from an OS name and an environment lookup.
func DetectFrom(goos string, getenv func(string) string) Host {
	return Host{
		OS:             goos,
		SessionType:    getenv("XDG_SESSION_TYPE"),
		WaylandDisplay: getenv("WAYLAND_DISPLAY"),
	}
}

// WithDisplay returns h with its display session replaced by the one a host
// runtime reported, "wayland[:<display>]" or "x11[:<display>]". The daemon
// usually runs outside any graphical session, so the reporting host's view
// wins. Anything else leaves h unchanged.
func (h Host) WithDisplay(displayServer string) Host {
	kind, display, _ := strings.Cut(displayServer, ":")
	switch kind {
	case "wayland":
		h.SessionType, h.WaylandDisplay = "wayland", display
	case "x11":
		h.SessionType, h.WaylandDisplay = "x11", ""
	}
	return h
}

// Compositor reports whether the host runs under a Wayland compositor, where
// the compositor's own portal UI does the choosing.
func (h Host) Compositor() bool {
	return h.OS == "linux" && (h.SessionType == "wayland" || h.WaylandDisplay != "")
}

// SupportsLoopback reports whether audio loopback through an auxiliary
// browser context is available. Only Windows supports it.
func SupportsLoopback(h Host) bool {
	return h.OS == "windows"
}
