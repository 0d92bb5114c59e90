// ABOUTME: Tests for the client connection state machine against a scripted gateway
// ABOUTME: Covers challenge gating, token fallback, correlation, watchdog, and seq gaps

package gatewayclient

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tether-gateway/internal/identity"
	"github.com/2389/tether-gateway/internal/protocol"
)

// fakeGateway runs a scripted server side of the protocol. Each
// accepted socket is handed to the script.
type fakeGateway struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
}

func newFakeGateway(t *testing.T, script func(conn *websocket.Conn)) *fakeGateway {
	t.Helper()
	g := &fakeGateway{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func sendChallenge(conn *websocket.Conn, nonce string) error {
	frame, err := protocol.NewEvent(protocol.EventChallenge, 1, protocol.ChallengePayload{Nonce: nonce})
	if err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

func readConnect(t *testing.T, conn *websocket.Conn) (string, protocol.ConnectParams) {
	t.Helper()
	var frame protocol.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, protocol.TypeRequest, frame.Type)
	require.Equal(t, protocol.MethodConnect, frame.Method)

	var params protocol.ConnectParams
	require.NoError(t, json.Unmarshal(frame.Params, &params))
	return frame.ID, params
}

func sendHelloOK(conn *websocket.Conn, id string, hello protocol.HelloOK) error {
	frame, err := protocol.NewResponse(id, true, hello)
	if err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

func testIdentity(t *testing.T) *identity.DeviceIdentity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &identity.DeviceIdentity{
		DeviceID:   identity.DeriveDeviceID(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}
}

// stateRecorder collects state transitions for assertions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	ch     chan State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan State, 64)}
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	select {
	case r.ch <- s:
	default:
	}
}

func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %v", want)
		}
	}
}

func TestConnect_ChallengeGated(t *testing.T) {
	dev := testIdentity(t)
	paramsCh := make(chan protocol.ConnectParams, 4)

	g := newFakeGateway(t, func(conn *websocket.Conn) {
		require.NoError(t, sendChallenge(conn, "nonce-1"))
		id, params := readConnect(t, conn)
		paramsCh <- params
		require.NoError(t, sendHelloOK(conn, id, protocol.HelloOK{
			Protocol: 1,
			Auth:     &protocol.HelloAuth{DeviceToken: "tok_minted", Role: "operator"},
			Policy:   &protocol.HelloPolicy{TickIntervalMs: 30000},
		}))
		time.Sleep(200 * time.Millisecond)
	})

	rec := newStateRecorder()
	cachePath := filepath.Join(t.TempDir(), "tokens.json")
	c, err := New(Options{
		URL:            g.wsURL(),
		Client:         protocol.ClientInfo{ID: "cli", Version: "1.0", Mode: "terminal"},
		Role:           "operator",
		Scopes:         []string{"operator.admin"},
		Token:          "shared",
		Identity:       dev,
		TokenCachePath: cachePath,
		OnState:        rec.record,
	})
	require.NoError(t, err)
	c.Start()
	defer c.Stop()

	rec.waitFor(t, StateConnected)
	gotParams := <-paramsCh

	// Connect only went out after the challenge, carrying a signature
	// over the exact canonical payload including the nonce.
	require.NotNil(t, gotParams.Device)
	assert.Equal(t, dev.DeviceID, gotParams.Device.ID)
	assert.Equal(t, "nonce-1", gotParams.Device.Nonce)
	payload := protocol.DeviceSignaturePayload(
		dev.DeviceID, "cli", "terminal", "operator", []string{"operator.admin"},
		gotParams.Device.SignedAt, "shared", "nonce-1",
	)
	assert.True(t, identity.Verify(dev.PublicKey, payload, gotParams.Device.Signature))

	// The minted device token was persisted for future reconnects.
	cache := NewTokenCache(cachePath)
	assert.Equal(t, "tok_minted", cache.Get(dev.DeviceID, "operator"))
}

func TestConnect_FallbackTimerWithoutChallenge(t *testing.T) {
	g := newFakeGateway(t, func(conn *websocket.Conn) {
		// No challenge at all; the client's fallback timer must fire.
		id, params := readConnect(t, conn)
		assert.Nil(t, params.Device, "no identity configured")
		require.NoError(t, sendHelloOK(conn, id, protocol.HelloOK{Protocol: 1}))
		time.Sleep(200 * time.Millisecond)
	})

	rec := newStateRecorder()
	c, err := New(Options{
		URL:             g.wsURL(),
		Client:          protocol.ClientInfo{ID: "cli", Version: "1.0"},
		Token:           "shared",
		ConnectFallback: 50 * time.Millisecond,
		OnState:         rec.record,
	})
	require.NoError(t, err)
	c.Start()
	defer c.Stop()

	rec.waitFor(t, StateConnected)
}

func TestConnect_StoredTokenDiscardedOnRejection(t *testing.T) {
	dev := testIdentity(t)
	cachePath := filepath.Join(t.TempDir(), "tokens.json")
	seed := NewTokenCache(cachePath)
	require.NoError(t, seed.Put(dev.DeviceID, "operator", "tok_stale"))

	var mu sync.Mutex
	var tokensSeen []string

	g := newFakeGateway(t, func(conn *websocket.Conn) {
		require.NoError(t, sendChallenge(conn, "n"))
		id, params := readConnect(t, conn)

		token := ""
		if params.Auth != nil {
			token = params.Auth.Token
		}
		mu.Lock()
		tokensSeen = append(tokensSeen, token)
		mu.Unlock()

		if token == "tok_stale" {
			_ = conn.WriteJSON(protocol.NewErrorResponse(id, "unauthorized"))
			return
		}
		require.NoError(t, sendHelloOK(conn, id, protocol.HelloOK{Protocol: 1}))
		time.Sleep(200 * time.Millisecond)
	})

	rec := newStateRecorder()
	c, err := New(Options{
		URL:            g.wsURL(),
		Client:         protocol.ClientInfo{ID: "cli", Version: "1.0"},
		Role:           "operator",
		Token:          "shared",
		Identity:       dev,
		TokenCachePath: cachePath,
		BackoffBase:    20 * time.Millisecond,
		OnState:        rec.record,
	})
	require.NoError(t, err)
	c.Start()
	defer c.Stop()

	rec.waitFor(t, StateConnected)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(tokensSeen), 2)
	assert.Equal(t, "tok_stale", tokensSeen[0], "first attempt prefers the stored device token")
	assert.Equal(t, "shared", tokensSeen[1], "rejection discards the stored token and falls back")
}

func TestRequest_AcceptedThenFinal(t *testing.T) {
	g := newFakeGateway(t, func(conn *websocket.Conn) {
		require.NoError(t, sendChallenge(conn, "n"))
		id, _ := readConnect(t, conn)
		require.NoError(t, sendHelloOK(conn, id, protocol.HelloOK{Protocol: 1}))

		var req protocol.Frame
		require.NoError(t, conn.ReadJSON(&req))

		ack, err := protocol.NewResponse(req.ID, true, protocol.AckPayload{Status: protocol.StatusAccepted})
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(ack))

		final, err := protocol.NewResponse(req.ID, true, map[string]string{"result": "done"})
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(final))

		time.Sleep(200 * time.Millisecond)
	})

	rec := newStateRecorder()
	c, err := New(Options{
		URL:     g.wsURL(),
		Client:  protocol.ClientInfo{ID: "cli", Version: "1.0"},
		Token:   "shared",
		OnState: rec.record,
	})
	require.NoError(t, err)
	c.Start()
	defer c.Stop()
	rec.waitFor(t, StateConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := c.Request(ctx, "agent.run", map[string]string{"task": "x"}, true)
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Equal(t, "done", result["result"], "accepted ack must not complete a final-awaiting request")
}

func TestRequest_AckCompletesWhenNotAwaitingFinal(t *testing.T) {
	g := newFakeGateway(t, func(conn *websocket.Conn) {
		require.NoError(t, sendChallenge(conn, "n"))
		id, _ := readConnect(t, conn)
		require.NoError(t, sendHelloOK(conn, id, protocol.HelloOK{Protocol: 1}))

		var req protocol.Frame
		require.NoError(t, conn.ReadJSON(&req))
		ack, err := protocol.NewResponse(req.ID, true, protocol.AckPayload{Status: protocol.StatusAccepted})
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(ack))
		time.Sleep(200 * time.Millisecond)
	})

	rec := newStateRecorder()
	c, err := New(Options{
		URL:     g.wsURL(),
		Client:  protocol.ClientInfo{ID: "cli", Version: "1.0"},
		Token:   "shared",
		OnState: rec.record,
	})
	require.NoError(t, err)
	c.Start()
	defer c.Stop()
	rec.waitFor(t, StateConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := c.Request(ctx, "agent.run", nil, false)
	require.NoError(t, err)

	var ack protocol.AckPayload
	require.NoError(t, json.Unmarshal(payload, &ack))
	assert.Equal(t, protocol.StatusAccepted, ack.Status)
}

func TestWatchdog_ClosesOnTickSilence(t *testing.T) {
	g := newFakeGateway(t, func(conn *websocket.Conn) {
		require.NoError(t, sendChallenge(conn, "n"))
		id, _ := readConnect(t, conn)
		// Promise ticks every 40ms, then go silent.
		require.NoError(t, sendHelloOK(conn, id, protocol.HelloOK{
			Protocol: 1,
			Policy:   &protocol.HelloPolicy{TickIntervalMs: 40},
		}))
		time.Sleep(2 * time.Second)
	})

	errCh := make(chan error, 16)
	rec := newStateRecorder()
	c, err := New(Options{
		URL:         g.wsURL(),
		Client:      protocol.ClientInfo{ID: "cli", Version: "1.0"},
		Token:       "shared",
		BackoffBase: time.Minute, // no second attempt during the test
		OnState:     rec.record,
		OnError:     func(e error) { errCh <- e },
	})
	require.NoError(t, err)
	c.Start()
	defer c.Stop()
	rec.waitFor(t, StateConnected)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLivenessTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("watchdog never fired")
	}
}

func TestSeqGap_Reported(t *testing.T) {
	gapCh := make(chan [2]uint64, 1)

	g := newFakeGateway(t, func(conn *websocket.Conn) {
		require.NoError(t, sendChallenge(conn, "n"))
		id, _ := readConnect(t, conn)
		require.NoError(t, sendHelloOK(conn, id, protocol.HelloOK{Protocol: 1}))

		two, err := protocol.NewEvent("status", 2, nil)
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(two))
		five, err := protocol.NewEvent("status", 5, nil)
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(five))
		time.Sleep(500 * time.Millisecond)
	})

	rec := newStateRecorder()
	c, err := New(Options{
		URL:     g.wsURL(),
		Client:  protocol.ClientInfo{ID: "cli", Version: "1.0"},
		Token:   "shared",
		OnState: rec.record,
		OnSeqGap: func(from, to uint64) {
			select {
			case gapCh <- [2]uint64{from, to}:
			default:
			}
		},
	})
	require.NoError(t, err)
	c.Start()
	defer c.Stop()
	rec.waitFor(t, StateConnected)

	select {
	case gap := <-gapCh:
		assert.Equal(t, uint64(2), gap[0])
		assert.Equal(t, uint64(5), gap[1])
	case <-time.After(3 * time.Second):
		t.Fatal("seq gap never reported")
	}
}

func TestStop_RejectsPending(t *testing.T) {
	g := newFakeGateway(t, func(conn *websocket.Conn) {
		require.NoError(t, sendChallenge(conn, "n"))
		id, _ := readConnect(t, conn)
		require.NoError(t, sendHelloOK(conn, id, protocol.HelloOK{Protocol: 1}))
		// Swallow the request and never answer.
		var req protocol.Frame
		_ = conn.ReadJSON(&req)
		time.Sleep(2 * time.Second)
	})

	rec := newStateRecorder()
	c, err := New(Options{
		URL:     g.wsURL(),
		Client:  protocol.ClientInfo{ID: "cli", Version: "1.0"},
		Token:   "shared",
		OnState: rec.record,
	})
	require.NoError(t, err)
	c.Start()
	rec.waitFor(t, StateConnected)

	reqErr := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "agent.run", nil, true)
		reqErr <- err
	}()

	time.Sleep(100 * time.Millisecond)
	c.Stop()

	select {
	case err := <-reqErr:
		require.Error(t, err, "pending request must reject terminally on Stop")
	case <-time.After(3 * time.Second):
		t.Fatal("pending request never rejected")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestTransitionTable_RefusesDoubleConnect(t *testing.T) {
	c, err := New(Options{URL: "ws://example.invalid/ws", Client: protocol.ClientInfo{ID: "cli", Version: "1.0"}})
	require.NoError(t, err)

	require.True(t, c.transition(StateSocketConnecting))
	require.True(t, c.transition(StateSocketOpen))
	require.True(t, c.transition(StateAwaitingChallenge))
	require.True(t, c.transition(StateConnectSent))
	assert.False(t, c.transition(StateConnectSent), "second connect send must be refused")
	assert.False(t, c.transition(StateAwaitingChallenge), "challenge after connect must be refused")
}

func TestBackoff_DoublesToCapAndResets(t *testing.T) {
	c, err := New(Options{
		URL:         "ws://example.invalid/ws",
		Client:      protocol.ClientInfo{ID: "cli", Version: "1.0"},
		BackoffBase: time.Second,
		BackoffMax:  4 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, time.Second, c.nextBackoff())
	assert.Equal(t, 2*time.Second, c.nextBackoff())
	assert.Equal(t, 4*time.Second, c.nextBackoff())
	assert.Equal(t, 4*time.Second, c.nextBackoff(), "capped at the ceiling")

	c.resetBackoff()
	assert.Equal(t, time.Second, c.nextBackoff())
}
