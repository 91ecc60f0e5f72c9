package ipc

import "encoding/json"

// Message type constants for IPC communication.
const (
	TypeAuthRequest  = "auth_request"
	TypeAuthResponse = "auth_response"
	TypeCapabilities = "capabilities"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeDisconnect   = "disconnect"

	// host -> daemon
	TypeDisplayMediaRequest  = "display_media_request"
	TypeDisplayMediaResponse = "display_media_response"
	TypeThumbnailRequest     = "thumbnail_request"
	TypeThumbnailResponse    = "thumbnail_response"

	// daemon -> host
	TypeSourcesList   = "sources_list"
	TypeSourcesResult = "sources_result"
	TypePickerOpen    = "picker_open"
	TypePickerResult  = "picker_result"
)

// MaxMessageSize is the maximum size of a JSON IPC message (16MB). Large
// thumbnails for every source travel in a single sources_result.
const MaxMessageSize = 16 * 1024 * 1024

// ProtocolVersion is the current IPC protocol version.
const ProtocolVersion = 1

// Envelope is the wire-format wrapper for all IPC messages.
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error,omitempty"`
	HMAC    string          `json:"hmac"`
}

// AuthRequest is sent by the host runtime right after connecting.
type AuthRequest struct {
	ProtocolVersion int    `json:"protocolVersion"`
	Username        string `json:"username"`
	SessionID       string `json:"sessionId"`
	DisplayEnv      string `json:"displayEnv"`
	PID             int    `json:"pid"`
}

// AuthResponse is the daemon's answer to an AuthRequest.
type AuthResponse struct {
	Accepted   bool   `json:"accepted"`
	SessionKey string `json:"sessionKey,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Capabilities is sent by the host runtime after successful auth.
type Capabilities struct {
	CanEnumerate  bool   `json:"canEnumerate"`
	CanPick       bool   `json:"canPick"`
	DisplayServer string `json:"displayServer"`
}

// DisplayMediaRequest asks the daemon to negotiate a capture stream.
type DisplayMediaRequest struct {
	RequestID string `json:"requestId"`
	Origin    string `json:"origin,omitempty"`
}

// SourceRef identifies the granted video source.
type SourceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AudioRef describes granted audio. Kind is "frame" (FrameID/TargetID name
// the loopback page frame) or "loopback" (system loopback tag).
type AudioRef struct {
	Kind     string `json:"kind"`
	FrameID  string `json:"frameId,omitempty"`
	TargetID string `json:"targetId,omitempty"`
	URL      string `json:"url,omitempty"`
}

// DisplayMediaResponse is the single resolution of a DisplayMediaRequest.
// A denial carries no video.
type DisplayMediaResponse struct {
	RequestID string     `json:"requestId"`
	Granted   bool       `json:"granted"`
	Video     *SourceRef `json:"video,omitempty"`
	Audio     *AudioRef  `json:"audio,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// ThumbnailRequest asks for a large preview of one known source.
type ThumbnailRequest struct {
	SourceID string `json:"sourceId"`
}

// ThumbnailResponse carries the preview as a data URL, or Found=false.
type ThumbnailResponse struct {
	SourceID string `json:"sourceId"`
	Found    bool   `json:"found"`
	URL      string `json:"url,omitempty"`
}

// SourcesListRequest asks the host runtime to enumerate capture sources.
type SourcesListRequest struct {
	Kinds  []string `json:"kinds"`
	Width  int      `json:"width"`
	Height int      `json:"height"`
}

// SourceData is one enumerated source with its encoded thumbnail.
type SourceData struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Thumbnail []byte `json:"thumbnail"`
}

// SourcesListResult is the host runtime's answer to SourcesListRequest.
type SourcesListResult struct {
	Sources []SourceData `json:"sources"`
}

// PreviewData is one entry of the picker grid.
type PreviewData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// PickerOpenRequest asks the host UI to let the user choose a source.
type PickerOpenRequest struct {
	Previews     []PreviewData `json:"previews"`
	SingleChoice bool          `json:"singleChoice"`
}

// StreamPick is the user's choice.
type StreamPick struct {
	ID    string `json:"id"`
	Audio bool   `json:"audio"`
}

// PickerResult carries the pick, or a nil Pick when the user cancelled.
type PickerResult struct {
	Pick *StreamPick `json:"pick"`
}
