package platform

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		host     Host
		width    int
		height   int
		branch   Branch
		loopback bool
	}{
		{"wayland session type", DetectFrom("linux", env(map[string]string{"XDG_SESSION_TYPE": "wayland"})), 1920, 1080, BranchFastPath, false},
		{"wayland display only", DetectFrom("linux", env(map[string]string{"WAYLAND_DISPLAY": "wayland-0"})), 1920, 1080, BranchFastPath, false},
		{"x11", DetectFrom("linux", env(map[string]string{"XDG_SESSION_TYPE": "x11"})), 176, 99, BranchInteractive, false},
		{"windows", DetectFrom("windows", env(nil)), 176, 99, BranchInteractive, true},
		{"darwin", DetectFrom("darwin", env(nil)), 176, 99, BranchInteractive, false},
		// wayland variables on a non-linux host do not count
		{"windows with wayland env", DetectFrom("windows", env(map[string]string{"WAYLAND_DISPLAY": "wayland-0"})), 176, 99, BranchInteractive, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.host)
			if d.ThumbnailWidth != tt.width || d.ThumbnailHeight != tt.height {
				t.Errorf("size = %dx%d, want %dx%d", d.ThumbnailWidth, d.ThumbnailHeight, tt.width, tt.height)
			}
			if d.Branch != tt.branch {
				t.Errorf("branch = %s, want %s", d.Branch, tt.branch)
			}
			if d.Loopback != tt.loopback {
				t.Errorf("loopback = %v, want %v", d.Loopback, tt.loopback)
			}
		})
	}
}

func TestDecideDeterministic(t *testing.T) {
	h := DetectFrom("linux", env(map[string]string{"XDG_SESSION_TYPE": "wayland"}))
	if Decide(h) != Decide(h) {
		t.Error("Decide should be pure")
	}
}

func TestBranchJSON(t *testing.T) {
	data, err := json.Marshal(Decide(Host{OS: "linux", SessionType: "wayland"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"thumbnailWidth":1920,"thumbnailHeight":1080,"branch":"fast_path","loopback":false}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestDetect(t *testing.T) {
	h := Detect(context.Background())
	if h.OS != runtime.GOOS {
		t.Errorf("OS = %q, want %q", h.OS, runtime.GOOS)
	}
}

func TestWithDisplay(t *testing.T) {
	daemon := Host{OS: "linux", Platform: "ubuntu"}
	tests := []struct {
		reported string
		branch   Branch
		width    int
	}{
		{"wayland:wayland-0", BranchFastPath, 1920},
		{"wayland", BranchFastPath, 1920},
		{"x11:0", BranchInteractive, 176},
		{"", BranchInteractive, 176},
		{"quartz", BranchInteractive, 176},
	}
	for _, tt := range tests {
		t.Run(tt.reported, func(t *testing.T) {
			h := daemon.WithDisplay(tt.reported)
			if h.Platform != "ubuntu" {
				t.Errorf("Platform = %q, want the daemon's", h.Platform)
			}
			d := Decide(h)
			if d.Branch != tt.branch || d.ThumbnailWidth != tt.width {
				t.Errorf("Decide = %+v", d)
			}
		})
	}

	// an X11 session overrides a daemon that itself sees Wayland
	h := Host{OS: "linux", SessionType: "wayland", WaylandDisplay: "wayland-1"}.WithDisplay("x11:1")
	if h.Compositor() {
		t.Errorf("host = %+v, want no compositor", h)
	}

	// outside linux the session type never selects the fast path
	if d := Decide(Host{OS: "windows"}.WithDisplay("wayland:w")); d.Branch != BranchInteractive || !d.Loopback {
		t.Errorf("windows decision = %+v", d)
	}
}
