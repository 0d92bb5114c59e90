// ABOUTME: Wire frame types for the gateway WebSocket protocol
// ABOUTME: Defines request/response/event frames and the connect handshake payloads

package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Protocol version range spoken by this build. Client and server
// negotiate the highest version both sides support.
const (
	VersionMin = 1
	VersionMax = 1
)

// Frame type discriminators.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Well-known method and event names.
const (
	MethodConnect  = "connect"
	EventChallenge = "connect.challenge"
	EventTick      = "tick"
	StatusAccepted = "accepted"
	DefaultTickMs  = 30000
)

// Frame is the envelope for every message on the wire. Exactly one of
// the request/response/event field groups is populated, keyed by Type.
type Frame struct {
	Type string `json:"type"`

	// Request fields
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`

	// Event fields
	Event string `json:"event,omitempty"`
	Seq   uint64 `json:"seq,omitempty"`
}

// FrameError carries an error message in a response frame.
type FrameError struct {
	Message string `json:"message"`
}

// ChallengePayload is the payload of a connect.challenge event.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// ClientInfo describes the connecting client installation.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform,omitempty"`
	Mode        string `json:"mode,omitempty"`
	InstanceID  string `json:"instanceId,omitempty"`
}

// AuthParams carries the shared-secret credentials of a connect request.
type AuthParams struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// DeviceAssertion is the signed device identity block of a connect
// request. Signature covers DeviceSignaturePayload.
type DeviceAssertion struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"` // base64url raw Ed25519 key
	Signature string `json:"signature"` // base64url
	SignedAt  int64  `json:"signedAt"`  // unix millis
	Nonce     string `json:"nonce,omitempty"`
}

// ConnectParams is the body of the connect request.
type ConnectParams struct {
	MinProtocol int              `json:"minProtocol"`
	MaxProtocol int              `json:"maxProtocol"`
	Client      ClientInfo       `json:"client"`
	Caps        []string         `json:"caps,omitempty"`
	Commands    []string         `json:"commands,omitempty"`
	Permissions map[string]bool  `json:"permissions,omitempty"`
	PathEnv     string           `json:"pathEnv,omitempty"`
	Auth        *AuthParams      `json:"auth,omitempty"`
	Role        string           `json:"role"`
	Scopes      []string         `json:"scopes,omitempty"`
	Device      *DeviceAssertion `json:"device,omitempty"`
}

// HelloAuth is the auth block of a hello-ok payload. DeviceToken is set
// when the server minted or refreshed a device token during connect.
type HelloAuth struct {
	DeviceToken string   `json:"deviceToken,omitempty"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// HelloPolicy carries connection policy returned by the server.
type HelloPolicy struct {
	TickIntervalMs int `json:"tickIntervalMs,omitempty"`
}

// HelloOK is the payload of a successful connect response.
type HelloOK struct {
	Protocol int          `json:"protocol"`
	Auth     *HelloAuth   `json:"auth,omitempty"`
	Policy   *HelloPolicy `json:"policy,omitempty"`
}

// AckPayload is the interim acknowledgment payload for long-running
// requests. A response carrying Status == StatusAccepted does not
// complete the request; a later response does.
type AckPayload struct {
	Status string `json:"status,omitempty"`
}

// DeviceSignaturePayload builds the canonical string a device signs for
// a connect attempt. Both sides must derive the identical string, so
// the encoding is fixed: pipe-separated fields with scopes joined by
// commas. An absent nonce is encoded as the empty string.
func DeviceSignaturePayload(deviceID, clientID, clientMode, role string, scopes []string, signedAtMs int64, token, nonce string) string {
	return strings.Join([]string{
		deviceID,
		clientID,
		clientMode,
		role,
		strings.Join(scopes, ","),
		strconv.FormatInt(signedAtMs, 10),
		token,
		nonce,
	}, "|")
}

// NewRequest builds a request frame with marshaled params.
func NewRequest(id, method string, params any) (*Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: TypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a response frame with marshaled payload.
func NewResponse(id string, ok bool, payload any) (*Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Frame{Type: TypeResponse, ID: id, OK: &ok, Payload: raw}, nil
}

// NewErrorResponse builds a failed response frame with a message.
func NewErrorResponse(id, message string) *Frame {
	ok := false
	return &Frame{Type: TypeResponse, ID: id, OK: &ok, Error: &FrameError{Message: message}}
}

// NewEvent builds an event frame with marshaled payload and the given
// sequence number.
func NewEvent(event string, seq uint64, payload any) (*Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Frame{Type: TypeEvent, Event: event, Seq: seq, Payload: raw}, nil
}
