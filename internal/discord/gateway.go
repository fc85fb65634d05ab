// Package discord implements the platform gateway session and REST
// surface used by the proxy.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arrakis/gateway/internal/metrics"
)

// ============================================================================
// GATEWAY SESSION
// ============================================================================

// Gateway op codes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

const (
	defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	writeWait  = 10 * time.Second // Time allowed to write a frame
	maxMsgSize = 4 * 1024 * 1024  // Guild payloads can be large

	// Reconnect backoff: jittered exponential, 1s base, factor 2, 60s cap.
	backoffBase = time.Second
	backoffCap  = 60 * time.Second

	// Consecutive undecodable frames that force a fresh identify.
	maxReceiveErrors = 10
)

// Session states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateReady        = "ready"
)

var errMalformedFrame = errors.New("malformed gateway frame")

// payload is the gateway wire frame.
type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval"`
}

type readyData struct {
	V                int    `json:"v"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	Guilds           []struct {
		ID string `json:"id"`
	} `json:"guilds"`
}

// EventFunc receives every dispatch frame the session does not consume
// itself. It runs on the read loop and must not block.
type EventFunc func(eventType string, data json.RawMessage)

// GatewayConfig configures one shard session.
type GatewayConfig struct {
	Token      string
	ShardID    int
	ShardCount int
	Intents    int
	URL        string
	Logger     *slog.Logger
	Metrics    *metrics.Ingestor
	OnEvent    EventFunc
}

// GatewayStatus is the session snapshot reported by the health server.
type GatewayStatus struct {
	State     string
	SessionID string
	LatencyMS int64
	Guilds    int
	ShardID   int
}

// Gateway holds one shard's connection to the platform gateway.
//
// Ownership is split the usual way: the session goroutine is the only
// reader, and every write goes through send under writeMu. The session
// never blocks on downstream work; dispatch frames are handed to OnEvent
// and publishing happens behind a buffer elsewhere.
type Gateway struct {
	cfg GatewayConfig
	log *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	state     string
	sessionID string
	resumeURL string
	seq       int64
	latencyMS int64
	guilds    map[string]struct{}
	hbSent    time.Time
	hbAcked   bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

// NewGateway builds a shard session.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.URL == "" {
		cfg.URL = defaultGatewayURL
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if cfg.Intents == 0 {
		cfg.Intents = DefaultIntents
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		cfg:    cfg,
		log:    log.With("component", "gateway", "shard_id", cfg.ShardID),
		state:  StateDisconnected,
		guilds: make(map[string]struct{}),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Ready is closed when the first session reaches ready.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// Status returns a snapshot of the session.
func (g *Gateway) Status() GatewayStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GatewayStatus{
		State:     g.state,
		SessionID: g.sessionID,
		LatencyMS: g.latencyMS,
		Guilds:    len(g.guilds),
		ShardID:   g.cfg.ShardID,
	}
}

// Run drives connect, ready and read until ctx is canceled or Close is
// called. Every session failure reconnects with jittered backoff; the
// session is never torn down by downstream pressure.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := backoffBase
	for {
		start := time.Now()
		err := g.session(ctx)

		g.setState(StateDisconnected)
		if ctx.Err() != nil || g.isClosed() {
			return nil
		}

		// A session that held for a while earns a fresh budget.
		if time.Since(start) > time.Minute {
			backoff = backoffBase
		}
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.Reconnects.Inc()
		}

		delay := jitter(backoff)
		g.log.Warn("Gateway disconnected, reconnecting",
			"delay", delay.Round(time.Millisecond), "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		case <-g.done:
			return nil
		}

		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// Close ends the session permanently.
func (g *Gateway) Close() {
	g.doneOnce.Do(func() { close(g.done) })
	g.closeConn()
}

// ============================================================================
// SESSION LIFECYCLE
// ============================================================================

// session runs one connect-to-disconnect cycle.
func (g *Gateway) session(ctx context.Context) error {
	g.setState(StateConnecting)

	url := g.cfg.URL
	g.mu.Lock()
	resuming := g.sessionID != "" && g.resumeURL != ""
	if resuming {
		url = g.resumeURL
	}
	g.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}
	conn.SetReadLimit(maxMsgSize)

	g.writeMu.Lock()
	g.conn = conn
	g.writeMu.Unlock()
	defer g.closeConn()

	sessionDone := make(chan struct{})
	defer close(sessionDone)

	// ReadMessage cannot take a context, so cancellation closes the
	// connection out from under the reader.
	go func() {
		select {
		case <-ctx.Done():
			g.closeConn()
		case <-g.done:
			g.closeConn()
		case <-sessionDone:
		}
	}()

	// HELLO arrives first and carries the heartbeat interval.
	frame, err := g.read(conn)
	if err != nil {
		return err
	}
	if frame.Op != opHello {
		return fmt.Errorf("gateway handshake: expected hello, got op %d", frame.Op)
	}
	var hello helloData
	if err := json.Unmarshal(frame.D, &hello); err != nil {
		return fmt.Errorf("gateway hello: %w", err)
	}
	interval := time.Duration(hello.HeartbeatIntervalMS) * time.Millisecond
	if interval <= 0 {
		return fmt.Errorf("gateway hello: bad heartbeat interval %d", hello.HeartbeatIntervalMS)
	}

	if resuming {
		err = g.sendResume()
	} else {
		err = g.sendIdentify()
	}
	if err != nil {
		return err
	}

	go g.heartbeatLoop(interval, sessionDone)

	return g.readLoop(conn)
}

func (g *Gateway) readLoop(conn *websocket.Conn) error {
	badFrames := 0
	for {
		frame, err := g.read(conn)
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				badFrames++
				if badFrames >= maxReceiveErrors {
					// Too much garbage to trust the session.
					g.clearResumeState()
					return fmt.Errorf("gateway: %d consecutive bad frames", badFrames)
				}
				continue
			}
			return err
		}
		badFrames = 0

		switch frame.Op {
		case opDispatch:
			g.handleDispatch(frame)
		case opHeartbeat:
			// The server may ask for an immediate beat.
			g.sendHeartbeat()
		case opReconnect:
			g.log.Info("Gateway requested reconnect")
			return errors.New("gateway: server requested reconnect")
		case opInvalidSession:
			var resumable bool
			json.Unmarshal(frame.D, &resumable)
			if !resumable {
				g.clearResumeState()
			}
			g.log.Warn("Gateway session invalidated", "resumable", resumable)
			return errors.New("gateway: session invalidated")
		case opHello:
			// Duplicate hello mid-session; nothing to do.
		case opHeartbeatACK:
			g.handleHeartbeatACK()
		default:
			g.log.Debug("Unhandled gateway op", "op", frame.Op)
		}
	}
}

func (g *Gateway) read(conn *websocket.Conn) (*payload, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var frame payload
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	return &frame, nil
}

// ============================================================================
// DISPATCH
// ============================================================================

func (g *Gateway) handleDispatch(frame *payload) {
	if frame.S > 0 {
		g.mu.Lock()
		g.seq = frame.S
		g.mu.Unlock()
	}

	switch frame.T {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(frame.D, &ready); err != nil {
			g.log.Error("Ready decode failed", "error", err)
			return
		}
		g.mu.Lock()
		g.sessionID = ready.SessionID
		g.resumeURL = ready.ResumeGatewayURL
		g.state = StateReady
		g.guilds = make(map[string]struct{}, len(ready.Guilds))
		for _, guild := range ready.Guilds {
			g.guilds[guild.ID] = struct{}{}
		}
		count := len(g.guilds)
		g.mu.Unlock()

		g.setGuildGauge(count)
		g.readyOnce.Do(func() { close(g.ready) })
		g.log.Info("Gateway ready", "guilds", count, "api_version", ready.V)

	case "RESUMED":
		g.setState(StateReady)
		g.log.Info("Gateway session resumed")

	case "GUILD_CREATE":
		g.trackGuild(frame.D, true)
		g.forward(frame)

	case "GUILD_DELETE":
		g.trackGuild(frame.D, false)
		g.forward(frame)

	default:
		g.forward(frame)
	}
}

func (g *Gateway) forward(frame *payload) {
	if g.cfg.OnEvent != nil {
		g.cfg.OnEvent(frame.T, frame.D)
	}
}

// trackGuild keeps the approximate guild set in sync with create/delete
// dispatches. An unavailable delete is an outage, not a removal.
func (g *Gateway) trackGuild(data json.RawMessage, joined bool) {
	var meta struct {
		ID          string `json:"id"`
		Unavailable bool   `json:"unavailable"`
	}
	if err := json.Unmarshal(data, &meta); err != nil || meta.ID == "" {
		return
	}

	g.mu.Lock()
	if joined {
		g.guilds[meta.ID] = struct{}{}
	} else if !meta.Unavailable {
		delete(g.guilds, meta.ID)
	}
	count := len(g.guilds)
	g.mu.Unlock()

	g.setGuildGauge(count)
}

func (g *Gateway) setGuildGauge(count int) {
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.Guilds.Set(float64(count))
	}
}

// ============================================================================
// HEARTBEAT
// ============================================================================

func (g *Gateway) heartbeatLoop(interval time.Duration, sessionDone <-chan struct{}) {
	// The first beat is jittered across the interval per the platform
	// contract, so shards do not thunder in step.
	first := time.Duration(rand.Float64() * float64(interval))
	select {
	case <-time.After(first):
	case <-sessionDone:
		return
	case <-g.done:
		return
	}
	g.sendHeartbeat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !g.heartbeatAcked() {
				// Zombied connection: the last beat was never acked.
				g.log.Warn("Heartbeat ack missed, closing zombied connection")
				g.closeConn()
				return
			}
			g.sendHeartbeat()
		case <-sessionDone:
			return
		case <-g.done:
			return
		}
	}
}

func (g *Gateway) sendHeartbeat() {
	g.mu.Lock()
	seq := g.seq
	g.hbSent = time.Now()
	g.hbAcked = false
	g.mu.Unlock()

	var d interface{}
	if seq > 0 {
		d = seq
	}
	if err := g.send(opHeartbeat, d); err != nil {
		g.log.Warn("Heartbeat send failed", "error", err)
	}
}

func (g *Gateway) handleHeartbeatACK() {
	g.mu.Lock()
	g.hbAcked = true
	g.latencyMS = time.Since(g.hbSent).Milliseconds()
	latency := g.latencyMS
	g.mu.Unlock()

	if g.cfg.Metrics != nil {
		g.cfg.Metrics.LatencyMS.Set(float64(latency))
	}
}

func (g *Gateway) heartbeatAcked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hbAcked
}

// ============================================================================
// HANDSHAKE WRITES
// ============================================================================

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

func (g *Gateway) sendIdentify() error {
	g.log.Info("Identifying", "shard", fmt.Sprintf("%d/%d", g.cfg.ShardID, g.cfg.ShardCount))
	return g.send(opIdentify, map[string]interface{}{
		"token":   g.cfg.Token,
		"intents": g.cfg.Intents,
		"shard":   []int{g.cfg.ShardID, g.cfg.ShardCount},
		"properties": identifyProperties{
			OS:      runtime.GOOS,
			Browser: "arrakis-gateway",
			Device:  "arrakis-gateway",
		},
	})
}

func (g *Gateway) sendResume() error {
	g.mu.Lock()
	sessionID, seq := g.sessionID, g.seq
	g.mu.Unlock()

	g.log.Info("Resuming session", "seq", seq)
	return g.send(opResume, map[string]interface{}{
		"token":      g.cfg.Token,
		"session_id": sessionID,
		"seq":        seq,
	})
}

// send owns every write to the connection.
func (g *Gateway) send(op int, d interface{}) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if g.conn == nil {
		return errors.New("gateway: not connected")
	}
	g.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return g.conn.WriteJSON(payload{Op: op, D: raw})
}

// ============================================================================
// INTERNAL STATE
// ============================================================================

func (g *Gateway) closeConn() {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
}

func (g *Gateway) setState(state string) {
	g.mu.Lock()
	g.state = state
	g.mu.Unlock()
}

func (g *Gateway) clearResumeState() {
	g.mu.Lock()
	g.sessionID = ""
	g.resumeURL = ""
	g.seq = 0
	g.mu.Unlock()
}

func (g *Gateway) isClosed() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// jitter spreads reconnects: half the base plus a random slice of it.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
