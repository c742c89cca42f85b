package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope for every message exchanged with a client.
// Type selects which of the optional fields are meaningful.
type Frame struct {
	Type string `json:"type"`

	// CSRF token carried by control frames (and issued in hello).
	CsrfToken string `json:"csrf_token,omitempty"`

	// hello
	Agent    string `json:"agent,omitempty"`
	Version  string `json:"version,omitempty"`
	Provider string `json:"provider,omitempty"`

	// chat
	Messages  []ChatMessage `json:"messages,omitempty"`
	SessionID string        `json:"session_id,omitempty"`

	// response streaming
	Chunk string `json:"chunk,omitempty"`

	// tool activity
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// auth
	Method     string          `json:"method,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OK         *bool           `json:"ok,omitempty"`
	Retry      bool            `json:"retry,omitempty"`
	RetryAfter int             `json:"retry_after,omitempty"`

	// status / error / control results
	Status  string `json:"status,omitempty"`
	Auth    string `json:"auth,omitempty"`
	Message string `json:"message,omitempty"`
	Action  string `json:"action,omitempty"`
}

// ChatMessage is one turn of a conversation supplied by the client.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client→server frame types.
const (
	TypeChat         = "chat"
	TypeCancel       = "cancel"
	TypeAuthResponse = "auth_response"
	TypeReloadConfig = "reload_config"
	TypeRotateCsrf   = "rotate_csrf"
	TypeSessionCtl   = "session_control"
	TypeEnrollTOTP   = "enroll_totp"
	TypeEnrollKey    = "enroll_passkey"
)

// Server→client frame types.
const (
	TypeHello         = "hello"
	TypeStatus        = "status"
	TypeResponseChunk = "response_chunk"
	TypeResponseDone  = "response_done"
	TypeToolCall      = "tool_call"
	TypeToolResult    = "tool_result"
	TypeAuthChallenge = "auth_challenge"
	TypeAuthResult    = "auth_result"
	TypeAuthLocked    = "auth_locked"
	TypeError         = "error"
	TypeReloadResult  = "reload_result"
	TypeCsrfRotated   = "csrf_rotated"
	TypeSessionResult = "session_result"
	TypeEnrollResult  = "enroll_result"
)

// controlTypes lists frame types that mutate gateway state and therefore
// require a valid CSRF token once the connection is authorized.
var controlTypes = map[string]struct{}{
	TypeReloadConfig: {},
	TypeRotateCsrf:   {},
	TypeSessionCtl:   {},
	TypeEnrollTOTP:   {},
	TypeEnrollKey:    {},
}

// IsControl reports whether frames of the given type belong to the control
// plane. Data frames (chat, cancel) carry no CSRF requirement.
func IsControl(frameType string) bool {
	_, ok := controlTypes[frameType]
	return ok
}

// Decode parses a raw text frame. Unknown fields are ignored so that newer
// clients can talk to older gateways.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("protocol: frame missing type")
	}
	return f, nil
}

// Encode serialises a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// ErrorFrame builds the standard error frame. Error frames never terminate
// the connection by themselves.
func ErrorFrame(message string) Frame {
	return Frame{Type: TypeError, Message: message}
}

// StatusFrame builds a status frame with a short machine-readable status
// and a human-readable detail message.
func StatusFrame(status, message string) Frame {
	return Frame{Type: TypeStatus, Status: status, Message: message}
}

// BoolPtr is a convenience for the OK field of auth_result frames.
func BoolPtr(v bool) *bool { return &v }
