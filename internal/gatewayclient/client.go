// ABOUTME: Client-side gateway connection state machine
// ABOUTME: Challenge-gated connect, backoff reconnection, pending correlation, tick watchdog

package gatewayclient

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/tether-gateway/internal/identity"
	"github.com/2389/tether-gateway/internal/pairing"
	"github.com/2389/tether-gateway/internal/protocol"
)

// State names one position in the connection lifecycle.
type State string

const (
	StateIdle              State = "idle"
	StateSocketConnecting  State = "socket-connecting"
	StateSocketOpen        State = "socket-open"
	StateAwaitingChallenge State = "awaiting-challenge"
	StateConnectSent       State = "connect-sent"
	StateConnected         State = "connected"
	StateClosing           State = "closing"
	StateClosed            State = "closed"
	StateReconnectWait     State = "reconnect-wait"
)

// allowedTransitions is the single source of truth for the state
// machine. A transition absent here is refused, which makes "connect
// sent twice" or "challenge after connect" unrepresentable instead of
// guarded by booleans.
var allowedTransitions = map[State][]State{
	StateIdle:              {StateSocketConnecting, StateClosing, StateClosed},
	StateSocketConnecting:  {StateSocketOpen, StateReconnectWait, StateClosing, StateClosed},
	StateSocketOpen:        {StateAwaitingChallenge, StateReconnectWait, StateClosing, StateClosed},
	StateAwaitingChallenge: {StateConnectSent, StateReconnectWait, StateClosing, StateClosed},
	StateConnectSent:       {StateConnected, StateReconnectWait, StateClosing, StateClosed},
	StateConnected:         {StateReconnectWait, StateClosing, StateClosed},
	StateClosing:           {StateClosed},
	StateReconnectWait:     {StateSocketConnecting, StateClosing, StateClosed},
	StateClosed:            {},
}

// Sentinel errors surfaced by the client.
var (
	ErrStopped             = errors.New("gateway client stopped")
	ErrDisconnected        = errors.New("gateway connection lost")
	ErrNotConnected        = errors.New("gateway client not connected")
	ErrLivenessTimeout     = errors.New("gateway liveness timeout: no tick received")
	ErrFingerprintMismatch = errors.New("tls certificate fingerprint mismatch")
	ErrConnectRejected     = errors.New("gateway rejected connect")
)

const (
	defaultBackoffBase    = time.Second
	defaultBackoffMax     = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second

	// connectFallback fires the connect request even when no challenge
	// event arrives, for auth modes that do not require one.
	defaultConnectFallback = 2 * time.Second
)

// Options configures a Client. URL, Client.ID, and Role are required.
type Options struct {
	URL    string
	Client protocol.ClientInfo
	Role   string
	Scopes []string

	// Shared-secret credentials. A stored device token for
	// (identity, role) is preferred over these when present.
	Token    string
	Password string

	// Identity, when set, attaches a signed device assertion to every
	// connect request.
	Identity *identity.DeviceIdentity

	// TokenCachePath persists device tokens across restarts. Empty
	// keeps them in memory only.
	TokenCachePath string

	// TLSFingerprint pins the server certificate: hex SHA-256 of the
	// peer's leaf certificate, with or without colons.
	TLSFingerprint string

	BackoffBase     time.Duration
	BackoffMax      time.Duration
	ConnectFallback time.Duration

	Logger *slog.Logger

	// OnEvent receives every event frame except connect.challenge.
	OnEvent func(event string, seq uint64, payload json.RawMessage)
	// OnSeqGap reports a gap between consecutive event sequence
	// numbers. Not fatal; consumers may have missed events.
	OnSeqGap func(from, to uint64)
	// OnState observes every state transition.
	OnState func(State)
	// OnError observes attempt failures before the reconnect wait.
	OnError func(error)
}

type pendingCall struct {
	ch          chan callResult
	expectFinal bool
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// Client maintains one logical gateway connection across reconnects.
type Client struct {
	opts   Options
	logger *slog.Logger
	tokens *TokenCache
	dialer *websocket.Dialer

	mu              sync.Mutex
	state           State
	conn            *websocket.Conn
	pending         map[string]*pendingCall
	backoff         time.Duration
	connectID       string
	usedStoredToken bool
	lastSeq         uint64
	tickInterval    time.Duration
	watchdog        *time.Timer
	attemptErr      error

	done     chan struct{}
	stopOnce sync.Once
	runWG    sync.WaitGroup
}

// New builds a client. Start must be called to begin connecting.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("gatewayclient: URL is required")
	}
	if opts.Client.ID == "" {
		return nil, errors.New("gatewayclient: client id is required")
	}
	if opts.Role == "" {
		opts.Role = pairing.DefaultRole
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.ConnectFallback <= 0 {
		opts.ConnectFallback = defaultConnectFallback
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &websocket.Dialer{HandshakeTimeout: defaultConnectTimeout}
	if opts.TLSFingerprint != "" {
		pinned := normalizeFingerprint(opts.TLSFingerprint)
		dialer.TLSClientConfig = &tls.Config{
			// Chain validation is replaced by the pin: the fingerprint
			// identifies exactly one certificate, self-signed or not.
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: pinVerifier(pinned),
		}
	}

	return &Client{
		opts:    opts,
		logger:  logger.With("component", "gatewayclient"),
		tokens:  NewTokenCache(opts.TokenCachePath),
		dialer:  dialer,
		state:   StateIdle,
		pending: make(map[string]*pendingCall),
		backoff: opts.BackoffBase,
		done:    make(chan struct{}),
	}, nil
}

// normalizeFingerprint lowercases and strips colon separators.
func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(fp, ":", ""))
}

// pinVerifier checks the peer leaf certificate against a pinned
// SHA-256 fingerprint before any protocol traffic is sent.
func pinVerifier(pinned string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrFingerprintMismatch
		}
		sum := sha256.Sum256(rawCerts[0])
		if hex.EncodeToString(sum[:]) != pinned {
			return ErrFingerprintMismatch
		}
		return nil
	}
}

// Start launches the connection loop. Safe to call once.
func (c *Client) Start() {
	c.runWG.Add(1)
	go c.run()
}

// Stop tears the client down: the connection closes, every pending
// request rejects with ErrStopped, and no reconnect is scheduled.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.transition(StateClosing)
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	c.runWG.Wait()
	c.rejectAllPending(ErrStopped)
	c.transition(StateClosed)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves the state machine, refusing moves the table does
// not allow. Returns whether the move happened.
func (c *Client) transition(to State) bool {
	c.mu.Lock()
	from := c.state
	allowed := false
	for _, s := range allowedTransitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		c.mu.Unlock()
		if from != to {
			c.logger.Debug("transition refused", "from", from, "to", to)
		}
		return false
	}
	c.state = to
	c.mu.Unlock()

	if c.opts.OnState != nil {
		c.opts.OnState(to)
	}
	return true
}

func (c *Client) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// run is the reconnect loop: attempt, report, back off, repeat.
func (c *Client) run() {
	defer c.runWG.Done()

	for {
		err := c.attempt()
		if c.stopped() {
			return
		}
		if err != nil {
			c.logger.Debug("connection attempt ended", "error", err)
			if c.opts.OnError != nil {
				c.opts.OnError(err)
			}
		}

		if !c.transition(StateReconnectWait) {
			return
		}
		select {
		case <-time.After(c.nextBackoff()):
		case <-c.done:
			return
		}
	}
}

// nextBackoff returns the current delay and doubles it up to the cap.
func (c *Client) nextBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.backoff
	c.backoff *= 2
	if c.backoff > c.opts.BackoffMax {
		c.backoff = c.opts.BackoffMax
	}
	return d
}

func (c *Client) resetBackoff() {
	c.mu.Lock()
	c.backoff = c.opts.BackoffBase
	c.mu.Unlock()
}

// attempt runs one full connection: dial, handshake, read until the
// socket dies. The returned error describes why the attempt ended.
func (c *Client) attempt() error {
	if !c.transition(StateSocketConnecting) {
		return ErrStopped
	}

	conn, _, err := c.dialer.Dial(c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connectID = ""
	c.usedStoredToken = false
	c.lastSeq = 0
	c.attemptErr = nil
	c.mu.Unlock()

	defer c.teardown(conn)

	c.transition(StateSocketOpen)
	c.transition(StateAwaitingChallenge)

	// Some auth modes never send a challenge; fire the connect after a
	// short delay so those still complete.
	fallback := time.AfterFunc(c.opts.ConnectFallback, func() {
		if err := c.sendConnect(""); err != nil && !errors.Is(err, errConnectAlreadySent) {
			c.logger.Debug("fallback connect failed", "error", err)
		}
	})
	defer fallback.Stop()

	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.mu.Lock()
			attemptErr := c.attemptErr
			c.mu.Unlock()
			if attemptErr != nil {
				return attemptErr
			}
			if c.stopped() {
				return ErrStopped
			}
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		switch frame.Type {
		case protocol.TypeEvent:
			c.handleEvent(&frame)
		case protocol.TypeResponse:
			if err := c.handleResponse(&frame); err != nil {
				return err
			}
		}
	}
}

// teardown cleans up one attempt's connection state and rejects
// requests that can no longer complete.
func (c *Client) teardown(conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.mu.Unlock()

	c.rejectAllPending(ErrDisconnected)
}

func (c *Client) rejectAllPending(err error) {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range calls {
		call.ch <- callResult{err: err}
	}
}

// handleEvent dispatches one event frame, tracking sequence gaps.
func (c *Client) handleEvent(frame *protocol.Frame) {
	c.mu.Lock()
	last := c.lastSeq
	if frame.Seq > 0 {
		c.lastSeq = frame.Seq
	}
	c.mu.Unlock()

	if last > 0 && frame.Seq > last+1 && c.opts.OnSeqGap != nil {
		c.opts.OnSeqGap(last, frame.Seq)
	}

	switch frame.Event {
	case protocol.EventChallenge:
		var challenge protocol.ChallengePayload
		if err := json.Unmarshal(frame.Payload, &challenge); err != nil {
			c.logger.Debug("malformed challenge payload", "error", err)
			return
		}
		if err := c.sendConnect(challenge.Nonce); err != nil && !errors.Is(err, errConnectAlreadySent) {
			c.logger.Debug("challenge connect failed", "error", err)
		}
	case protocol.EventTick:
		c.resetWatchdog()
	default:
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(frame.Event, frame.Seq, frame.Payload)
		}
	}
}

var errConnectAlreadySent = errors.New("connect already sent")

// sendConnect composes and sends the connect request. The state table
// permits this exactly once per attempt; repeat calls (fallback timer
// racing the challenge event) refuse the transition.
func (c *Client) sendConnect(nonce string) error {
	if !c.transition(StateConnectSent) {
		return errConnectAlreadySent
	}

	token := c.opts.Token
	usedStored := false
	if c.opts.Identity != nil {
		if stored := c.tokens.Get(c.opts.Identity.DeviceID, c.opts.Role); stored != "" {
			token = stored
			usedStored = true
		}
	}

	params := protocol.ConnectParams{
		MinProtocol: protocol.VersionMin,
		MaxProtocol: protocol.VersionMax,
		Client:      c.opts.Client,
		Role:        c.opts.Role,
		Scopes:      c.opts.Scopes,
	}
	if token != "" || c.opts.Password != "" {
		params.Auth = &protocol.AuthParams{Token: token, Password: c.opts.Password}
	}
	if c.opts.Identity != nil {
		signedAt := time.Now().UnixMilli()
		payload := protocol.DeviceSignaturePayload(
			c.opts.Identity.DeviceID,
			c.opts.Client.ID,
			c.opts.Client.Mode,
			c.opts.Role,
			c.opts.Scopes,
			signedAt,
			token,
			nonce,
		)
		params.Device = &protocol.DeviceAssertion{
			ID:        c.opts.Identity.DeviceID,
			PublicKey: identity.EncodePublicKey(c.opts.Identity.PublicKey),
			Signature: identity.Sign(c.opts.Identity.PrivateKey, payload),
			SignedAt:  signedAt,
			Nonce:     nonce,
		}
	}

	id := uuid.New().String()
	frame, err := protocol.NewRequest(id, protocol.MethodConnect, params)
	if err != nil {
		return fmt.Errorf("building connect request: %w", err)
	}

	c.mu.Lock()
	c.connectID = id
	c.usedStoredToken = usedStored
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("sending connect: %w", err)
	}
	return nil
}

// handleResponse routes a response frame to the connect handshake or
// the pending map. A non-nil error ends the attempt.
func (c *Client) handleResponse(frame *protocol.Frame) error {
	c.mu.Lock()
	isConnect := frame.ID != "" && frame.ID == c.connectID
	c.mu.Unlock()

	if isConnect {
		return c.handleHello(frame)
	}

	c.mu.Lock()
	call, ok := c.pending[frame.ID]
	if ok && call.expectFinal && isAccepted(frame.Payload) {
		// Interim ack for a caller awaiting the final result: the
		// pending entry stays until a later, non-accepted response.
		c.mu.Unlock()
		return nil
	}
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}

	if frame.OK != nil && !*frame.OK {
		message := "request failed"
		if frame.Error != nil {
			message = frame.Error.Message
		}
		call.ch <- callResult{err: errors.New(message)}
		return nil
	}
	call.ch <- callResult{payload: frame.Payload}
	return nil
}

// isAccepted reports whether a payload is the interim accepted ack.
func isAccepted(payload json.RawMessage) bool {
	if len(payload) == 0 {
		return false
	}
	var ack protocol.AckPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		return false
	}
	return ack.Status == protocol.StatusAccepted
}

// handleHello finishes the handshake from the connect response.
func (c *Client) handleHello(frame *protocol.Frame) error {
	if frame.OK == nil || !*frame.OK {
		message := "connect rejected"
		if frame.Error != nil {
			message = frame.Error.Message
		}

		// A stale stored device token may be the culprit; discard it so
		// the next attempt falls back to the shared secret.
		c.mu.Lock()
		usedStored := c.usedStoredToken
		c.mu.Unlock()
		if usedStored && c.opts.Identity != nil {
			c.logger.Info("discarding stored device token after rejection")
			if err := c.tokens.Delete(c.opts.Identity.DeviceID, c.opts.Role); err != nil {
				c.logger.Warn("discarding device token failed", "error", err)
			}
		}
		return fmt.Errorf("%w: %s", ErrConnectRejected, message)
	}

	var hello protocol.HelloOK
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		return fmt.Errorf("parsing hello-ok: %w", err)
	}

	if hello.Auth != nil && hello.Auth.DeviceToken != "" && c.opts.Identity != nil {
		role := hello.Auth.Role
		if role == "" {
			role = c.opts.Role
		}
		if err := c.tokens.Put(c.opts.Identity.DeviceID, role, hello.Auth.DeviceToken); err != nil {
			c.logger.Warn("persisting device token failed", "error", err)
		}
	}

	tickMs := protocol.DefaultTickMs
	if hello.Policy != nil && hello.Policy.TickIntervalMs > 0 {
		tickMs = hello.Policy.TickIntervalMs
	}

	c.mu.Lock()
	c.tickInterval = time.Duration(tickMs) * time.Millisecond
	c.mu.Unlock()

	c.transition(StateConnected)
	c.resetBackoff()
	c.resetWatchdog()
	c.logger.Info("connected", "protocol", hello.Protocol, "tick_interval_ms", tickMs)
	return nil
}

// resetWatchdog (re)arms the liveness watchdog at twice the tick
// interval. Silence beyond that closes the connection with a liveness
// error, distinct from a network-level close.
func (c *Client) resetWatchdog() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tickInterval <= 0 {
		return
	}
	deadline := 2 * c.tickInterval
	if c.watchdog != nil {
		c.watchdog.Reset(deadline)
		return
	}
	c.watchdog = time.AfterFunc(deadline, func() {
		c.mu.Lock()
		c.attemptErr = ErrLivenessTimeout
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// Request sends a request and waits for its response. When awaitFinal
// is true, an interim accepted ack does not complete the call; only a
// later final response does.
func (c *Client) Request(ctx context.Context, method string, params any, awaitFinal bool) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	id := uuid.New().String()
	call := &pendingCall{ch: make(chan callResult, 1), expectFinal: awaitFinal}
	c.pending[id] = call
	c.mu.Unlock()

	frame, err := protocol.NewRequest(id, method, params)
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("building request: %w", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("sending request: %w", err)
	}

	select {
	case res := <-call.ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrStopped
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
