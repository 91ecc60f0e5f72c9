package negotiation

import "fmt"

// State is a negotiation's position in its lifecycle.
type State int32

const (
	Requested State = iota
	Enumerating
	FastPathResolving
	PickerPending
	AudioBinding
	Granted
	Denied
)

var stateNames = [...]string{
	Requested:         "requested",
	Enumerating:       "enumerating",
	FastPathResolving: "fast_path_resolving",
	PickerPending:     "picker_pending",
	AudioBinding:      "audio_binding",
	Granted:           "granted",
	Denied:            "denied",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Resolved reports whether s is terminal.
func (s State) Resolved() bool {
	return s == Granted || s == Denied
}
