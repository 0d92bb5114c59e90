// ABOUTME: Per-connection handshake and event loop for the gateway server
// ABOUTME: Challenge issuance, connect verification, tick emission, request dispatch

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/tether-gateway/internal/audit"
	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/identity"
	"github.com/2389/tether-gateway/internal/pairing"
	"github.com/2389/tether-gateway/internal/protocol"
)

const defaultTickInterval = protocol.DefaultTickMs * time.Millisecond

// Device verification outcomes internal to the session. Wire peers see
// a uniform rejection; these feed logs and the audit trail only.
const (
	reasonDeviceKeyInvalid       = "device_key_invalid"
	reasonDeviceSignatureInvalid = "device_signature_invalid"
	reasonDeviceNonceInvalid     = "device_nonce_invalid"
	reasonProtocolMismatch       = "protocol_mismatch"

	// rejectMessage is the only failure text a network peer ever sees.
	rejectMessage = "unauthorized"
)

// session is one WebSocket connection's server-side state. The reader
// goroutine owns all protocol state; writes are serialized behind
// writeMu because the tick loop writes concurrently with responses.
type session struct {
	srv    *Server
	conn   *websocket.Conn
	logger *slog.Logger

	remoteAddr string
	host       string
	headers    http.Header

	writeMu sync.Mutex
	seq     uint64

	connected bool

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(s *Server, conn *websocket.Conn, r *http.Request) *session {
	return &session{
		srv:        s,
		conn:       conn,
		logger:     s.logger.With("remote_addr", r.RemoteAddr),
		remoteAddr: r.RemoteAddr,
		host:       r.Host,
		headers:    r.Header,
		done:       make(chan struct{}),
	}
}

// run drives the session: challenge first, then the read loop until the
// peer disconnects or the handshake deadline passes.
func (s *session) run() {
	defer s.close()

	challenge := s.srv.nonces.Issue()
	if err := s.writeEvent(protocol.EventChallenge, protocol.ChallengePayload{Nonce: challenge}); err != nil {
		s.logger.Debug("writing challenge failed", "error", err)
		return
	}

	// The connect handshake must complete within the deadline; once
	// connected, reads are bounded by the tick cadence instead.
	_ = s.conn.SetReadDeadline(time.Now().Add(connectTimeout))

	for {
		var frame protocol.Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection closed", "error", err)
			}
			return
		}

		if frame.Type != protocol.TypeRequest {
			continue
		}

		switch frame.Method {
		case protocol.MethodConnect:
			if s.connected {
				s.writeError(frame.ID, "already connected")
				continue
			}
			if !s.handleConnect(&frame) {
				return
			}
		default:
			if !s.connected {
				s.writeError(frame.ID, rejectMessage)
				return
			}
			s.writeError(frame.ID, "unknown method: "+frame.Method)
		}
	}
}

// handleConnect runs the connect decision. Returns false when the
// session must terminate (rejected attempt).
func (s *session) handleConnect(frame *protocol.Frame) bool {
	ctx := context.Background()

	var params protocol.ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.writeError(frame.ID, "malformed connect params")
		return false
	}

	negotiated, ok := negotiateProtocol(params.MinProtocol, params.MaxProtocol)
	if !ok {
		s.rejectConnect(ctx, frame.ID, "", reasonProtocolMismatch, "unsupported protocol version")
		return false
	}

	role := params.Role
	if role == "" {
		role = pairing.DefaultRole
	}
	var token, password string
	if params.Auth != nil {
		token = params.Auth.Token
		password = params.Auth.Password
	}

	// Device assertion path: verify the signature and nonce first, then
	// try the presented token as a paired-device token. A valid paired
	// token accepts the connection outright.
	deviceID := ""
	deviceAsserted := false
	if params.Device != nil {
		id, reason := s.verifyDeviceAssertion(&params, role, token)
		if reason != "" {
			s.rejectConnect(ctx, frame.ID, id, reason, rejectMessage)
			return false
		}
		deviceID = id
		deviceAsserted = true

		if token != "" {
			res := s.srv.pairings.VerifyDeviceToken(pairing.VerifyRequest{
				DeviceID: deviceID,
				Token:    token,
				Role:     role,
				Scopes:   params.Scopes,
			})
			if res.OK {
				s.acceptConnect(ctx, frame.ID, negotiated, deviceID, role, params.Scopes, "device", nil)
				return true
			}
			s.logger.Debug("device token not accepted, trying shared secret",
				"device_id", deviceID, "reason", res.Reason)
		}
	}

	// Shared-secret and Tailscale paths.
	result := s.srv.authz.Authorize(ctx, auth.Attempt{
		RemoteAddr: s.remoteAddr,
		Host:       s.host,
		Headers:    s.headers,
		Token:      token,
		Password:   password,
	})
	if !result.OK {
		if deviceAsserted {
			s.requestPairing(ctx, &params, deviceID, role)
		}
		s.rejectConnect(ctx, frame.ID, deviceID, result.Reason, rejectMessage)
		return false
	}

	// An authenticated connect with a device assertion earns a device
	// token for future reconnects, provided the device is paired.
	var minted *pairing.AuthToken
	if deviceAsserted {
		t, err := s.srv.pairings.EnsureDeviceToken(deviceID, role, params.Scopes)
		if err != nil {
			s.logger.Warn("minting device token failed", "device_id", deviceID, "error", err)
		} else if t != nil {
			minted = t
		} else {
			s.requestPairing(ctx, &params, deviceID, role)
		}
	}

	s.acceptConnect(ctx, frame.ID, negotiated, deviceID, role, params.Scopes, result.Method, minted)
	return true
}

// verifyDeviceAssertion checks the signed device block. Returns the
// server-derived device id and an empty reason on success. The id is
// always derived from the presented public key, never trusted from the
// client's own claim.
func (s *session) verifyDeviceAssertion(params *protocol.ConnectParams, role, token string) (string, string) {
	d := params.Device

	pub := identity.DecodePublicKey(d.PublicKey)
	if pub == nil {
		return "", reasonDeviceKeyInvalid
	}
	derivedID := identity.DeriveDeviceID(pub)

	payload := protocol.DeviceSignaturePayload(
		derivedID,
		params.Client.ID,
		params.Client.Mode,
		role,
		params.Scopes,
		d.SignedAt,
		token,
		d.Nonce,
	)
	if !identity.Verify(pub, payload, d.Signature) {
		return derivedID, reasonDeviceSignatureInvalid
	}

	// A nonce, when presented, must be one we issued on this gateway
	// and never spent. Token-carrying reconnects may omit it since the
	// token itself is single-issuer state.
	if d.Nonce != "" {
		if !s.srv.nonces.Consume(d.Nonce) {
			return derivedID, reasonDeviceNonceInvalid
		}
	} else if token == "" {
		return derivedID, reasonDeviceNonceInvalid
	}

	return derivedID, ""
}

// requestPairing files a pending pairing request for an unauthenticated
// but validly-signed device, so an operator can approve it.
func (s *session) requestPairing(ctx context.Context, params *protocol.ConnectParams, deviceID, role string) {
	res, err := s.srv.pairings.RequestPairing(pairing.PendingRequest{
		DeviceID:    deviceID,
		PublicKey:   params.Device.PublicKey,
		DisplayName: params.Client.DisplayName,
		Platform:    params.Client.Platform,
		ClientID:    params.Client.ID,
		ClientMode:  params.Client.Mode,
		Role:        role,
		Scopes:      params.Scopes,
		RemoteIP:    auth.ClientIP(s.remoteAddr, s.headers, s.srv.cfg.Server.TrustedProxies),
	})
	if err != nil {
		s.logger.Warn("recording pairing request failed", "device_id", deviceID, "error", err)
		return
	}
	if res.Created {
		s.srv.record(ctx, audit.ActionPairingRequested, deviceID, map[string]any{
			"request_id": res.Request.RequestID,
			"role":       role,
			"repair":     res.Request.IsRepair,
		})
	}
}

// acceptConnect finalizes a successful handshake: hello-ok response,
// audit entry, tick loop.
func (s *session) acceptConnect(ctx context.Context, frameID string, proto int, deviceID, role string, scopes []string, method string, minted *pairing.AuthToken) {
	hello := protocol.HelloOK{
		Protocol: proto,
		Policy:   &protocol.HelloPolicy{TickIntervalMs: int(s.srv.tickInterval / time.Millisecond)},
	}
	if minted != nil {
		hello.Auth = &protocol.HelloAuth{
			DeviceToken: minted.Token,
			Role:        minted.Role,
			Scopes:      minted.Scopes,
		}
	} else if deviceID != "" {
		hello.Auth = &protocol.HelloAuth{Role: role, Scopes: scopes}
	}

	if err := s.writeResponse(frameID, true, hello); err != nil {
		s.logger.Debug("writing hello-ok failed", "error", err)
		return
	}

	s.connected = true
	_ = s.conn.SetReadDeadline(time.Time{})

	s.logger.Info("connection accepted", "method", method, "device_id", deviceID, "role", role)
	s.srv.record(ctx, audit.ActionConnectAccepted, deviceID, map[string]any{
		"method": method,
		"role":   role,
	})

	go s.tickLoop()
}

// rejectConnect logs and audits the specific reason but sends the
// uniform message to the peer.
func (s *session) rejectConnect(ctx context.Context, frameID, deviceID, reason, message string) {
	s.logger.Warn("connection rejected", "reason", reason, "device_id", deviceID)
	s.srv.record(ctx, audit.ActionConnectRejected, deviceID, map[string]any{"reason": reason})
	s.writeError(frameID, message)
}

// tickLoop emits liveness ticks until the session closes.
func (s *session) tickLoop() {
	ticker := time.NewTicker(s.srv.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.writeEvent(protocol.EventTick, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) writeEvent(event string, payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.seq++
	frame, err := protocol.NewEvent(event, s.seq, payload)
	if err != nil {
		return err
	}
	return s.conn.WriteJSON(frame)
}

func (s *session) writeResponse(id string, ok bool, payload any) error {
	frame, err := protocol.NewResponse(id, ok, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}

func (s *session) writeError(id, message string) {
	frame := protocol.NewErrorResponse(id, message)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteJSON(frame)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// negotiateProtocol intersects the client's version range with ours and
// picks the highest shared version.
func negotiateProtocol(min, max int) (int, bool) {
	if max == 0 {
		max = min
	}
	lo := min
	if lo < protocol.VersionMin {
		lo = protocol.VersionMin
	}
	hi := max
	if hi > protocol.VersionMax {
		hi = protocol.VersionMax
	}
	if lo > hi {
		return 0, false
	}
	return hi, true
}
