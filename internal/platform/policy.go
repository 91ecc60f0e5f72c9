package platform

import "fmt"

// Branch selects how a source is chosen.
type Branch int

const (
	// BranchInteractive shows the picker with every enumerated source.
	BranchInteractive Branch = iota
	// BranchFastPath takes the first source; the compositor already asked.
	BranchFastPath
)

func (b Branch) String() string {
	switch b {
	case BranchInteractive:
		return "interactive"
	case BranchFastPath:
		return "fast_path"
	default:
		return fmt.Sprintf("branch(%d)", int(b))
	}
}

// MarshalText lets a Branch print as its name in JSON output.
func (b Branch) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

const (
	compositorThumbnailWidth = 1920
	pickerThumbnailWidth     = 176
)

// Decision is the strategy for every negotiation on one host.
type Decision struct {
	ThumbnailWidth  int    `json:"thumbnailWidth"`
	ThumbnailHeight int    `json:"thumbnailHeight"`
	Branch          Branch `json:"branch"`
	Loopback        bool   `json:"loopback"`
}

// Decide maps a host to its Decision. Thumbnails keep a 16:9 aspect ratio.
func Decide(h Host) Decision {
	d := Decision{
		ThumbnailWidth: pickerThumbnailWidth,
		Branch:         BranchInteractive,
		Loopback:       SupportsLoopback(h),
	}
	if h.Compositor() {
		d.ThumbnailWidth = compositorThumbnailWidth
		d.Branch = BranchFastPath
	}
	d.ThumbnailHeight = d.ThumbnailWidth * 9 / 16
	return d
}
