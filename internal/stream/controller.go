// Package stream drives one PSK-DTLS streaming session to a single Hue
// bridge: handshake, a throttled send path, and a keepalive loop that
// resends the last known update when the session would otherwise go quiet.
package stream

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"

	"github.com/huestage/artnethue-bridge/internal/channelmap"
	"github.com/huestage/artnethue-bridge/internal/entertainment"
)

// State is one node of the controller's Idle -> Handshaking -> Open ->
// Closed state machine.
type State int

const (
	Idle State = iota
	Handshaking
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Handshaking:
		return "handshaking"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// SendResult reports what happened to one sendUpdate call.
type SendResult int

const (
	Sent SendResult = iota
	NotOpen
	Throttled
	Skipped
)

func (r SendResult) String() string {
	switch r {
	case Sent:
		return "sent"
	case NotOpen:
		return "not_open"
	case Throttled:
		return "throttled"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a transport failure reported on a Closed event from
// the Events channel.
type ErrorKind int

const (
	ErrDtlsHandshake ErrorKind = iota
	ErrTransportLoss
)

// Event is one state-machine transition or error notice delivered on a
// typed channel rather than a bare error return, so callers can observe
// state transitions they didn't directly trigger (e.g. a keepalive failure).
type Event struct {
	State State
	Kind  ErrorKind // only meaningful when State == Closed and it follows an error
	Err   error
}

const (
	streamPort        = 2100
	minIntervalMs     = 40
	keepaliveInterval = time.Second
	staleThreshold    = 2 * time.Second
	handshakeRetries  = 4
)

// Config holds everything the controller needs to dial one hub.
type Config struct {
	Host          string // bridge IP or hostname.
	PSKIdentity   string // hue-application-id, or username fallback.
	PSKSecretHex  string // hex-encoded clientkey.
	ConfigID      string // 36-char entertainment configuration UUID.
	MinIntervalMs int    // 0 means use the default (40ms).

	// SkipEveryOther enables the reserved rate-halving policy hook: every
	// second accepted send is reported Skipped instead of written. Off by
	// default; nothing in this module turns it on.
	SkipEveryOther bool

	Logger *slog.Logger
}

// Controller owns one DTLS-PSK session to one hub.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	events chan Event

	mu               sync.Mutex
	state            State
	conn             net.Conn
	lastSentAt       time.Time
	lastServicedAt   time.Time
	lastPacket       []byte
	skipCounter      int
	keepaliveStop    chan struct{}
	keepaliveStopped chan struct{}
}

// New creates a controller in the Idle state. Call Connect to dial.
func New(cfg Config) *Controller {
	if cfg.MinIntervalMs <= 0 {
		cfg.MinIntervalMs = minIntervalMs
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		logger: logger,
		state:  Idle,
		events: make(chan Event, 8),
	}
}

// Events returns the channel of state transitions and errors. The channel
// is never closed by the controller to avoid a send-on-closed-channel race
// on a final error; callers should stop reading once they observe State ==
// Closed a final time (after Close returns).
func (c *Controller) Events() <-chan Event {
	return c.events
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// Event buffer full; drop rather than block the send/keepalive path.
	}
}

// Connect dials the hub's DTLS streaming port and performs the PSK
// handshake. On success the controller enters Open and starts its
// keepalive loop; on failure it enters Closed.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return fmt.Errorf("stream: connect called in state %s, want idle", c.state)
	}
	c.state = Handshaking
	c.mu.Unlock()

	secret, err := hex.DecodeString(c.cfg.PSKSecretHex)
	if err != nil {
		return c.fail(ErrDtlsHandshake, fmt.Errorf("stream: decode psk secret: %w", err))
	}
	if len(secret) == 0 {
		return c.fail(ErrDtlsHandshake, fmt.Errorf("stream: psk secret is empty"))
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(c.cfg.Host, fmt.Sprint(streamPort)))
	if err != nil {
		return c.fail(ErrDtlsHandshake, fmt.Errorf("stream: resolve %s: %w", c.cfg.Host, err))
	}
	// Handshake retransmission is left to pion/dtls's own flight-retry logic
	// and defaults; handshakeRetries is not passed to it, so no retry count is
	// enforced here, and a timed-out handshake is not re-dialed.
	dtlsConfig := &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return secret, nil
		},
		PSKIdentityHint: []byte(c.cfg.PSKIdentity),
		CipherSuites:    []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
	}

	conn, err := dtls.Dial("udp", addr, dtlsConfig)
	if err != nil {
		return c.fail(ErrDtlsHandshake, fmt.Errorf("stream: dial %v: %w", addr, err))
	}

	if err := conn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return c.fail(ErrDtlsHandshake, fmt.Errorf("stream: handshake: %w", err))
	}

	c.mu.Lock()
	c.conn = conn
	c.state = Open
	c.keepaliveStop = make(chan struct{})
	c.keepaliveStopped = make(chan struct{})
	c.mu.Unlock()

	c.emit(Event{State: Open})
	go c.keepaliveLoop()

	return nil
}

// fail transitions to Closed, emits a single Closed event carrying kind and
// err, and returns the error.
func (c *Controller) fail(kind ErrorKind, err error) error {
	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()

	c.emit(Event{State: Closed, Kind: kind, Err: err})
	return err
}

// SendUpdate transmits one streaming update packet for updates, subject to
// the min-interval throttle. While Open, the last-known update cache is
// refreshed on every call, throttled ones included, so a subsequent
// keepalive tick always has the most recent requested state to resend; a
// call made while not Open returns NotOpen without touching the cache.
func (c *Controller) SendUpdate(updates []channelmap.ColorUpdate) (SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastServicedAt = time.Now()

	if c.state != Open {
		return NotOpen, nil
	}

	packet, err := entertainment.Encode(c.cfg.ConfigID, updates)
	if err != nil {
		return NotOpen, err
	}
	c.lastPacket = packet

	now := time.Now()
	minInterval := time.Duration(c.cfg.MinIntervalMs) * time.Millisecond
	if !c.lastSentAt.IsZero() && now.Sub(c.lastSentAt) < minInterval {
		return Throttled, nil
	}

	if c.cfg.SkipEveryOther {
		c.skipCounter++
		if c.skipCounter%2 == 0 {
			c.lastSentAt = now
			return Skipped, nil
		}
	}

	return c.writeLocked(packet, now)
}

// writeLocked writes packet to the DTLS connection. Caller must hold c.mu.
func (c *Controller) writeLocked(packet []byte, at time.Time) (SendResult, error) {
	if _, err := c.conn.Write(packet); err != nil {
		c.state = Closed
		go func() {
			c.emit(Event{State: Closed, Kind: ErrTransportLoss, Err: err})
		}()
		return NotOpen, err
	}
	c.lastSentAt = at
	return Sent, nil
}

// keepaliveLoop resends the last known update, bypassing the throttle,
// whenever no send has been serviced for more than staleThreshold while a
// last-known update exists. It stops as soon as the controller leaves Open.
func (c *Controller) keepaliveLoop() {
	defer close(c.keepaliveStopped)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.keepaliveStop:
			return
		case <-ticker.C:
			if !c.tick() {
				return
			}
		}
	}
}

// tick runs one keepalive check. It returns false once the controller has
// left Open, signaling the loop to exit.
func (c *Controller) tick() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Open {
		return false
	}

	if c.lastPacket == nil {
		return true
	}
	if time.Since(c.lastServicedAt) <= staleThreshold {
		return true
	}

	now := time.Now()
	if _, err := c.writeLocked(c.lastPacket, now); err != nil {
		c.logger.Warn("keepalive resend failed", "error", err)
		return false
	}
	// lastServicedAt tracks SendUpdate servicing only, not keepalive writes,
	// so staleness persists across ticks and every subsequent 1s tick while
	// idle resends exactly once rather than only every staleThreshold.
	return true
}

// Close tears down the DTLS session. Idempotent: calling Close on an
// already-Closed controller is a no-op.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	prevState := c.state
	c.state = Closed
	conn := c.conn
	keepaliveStop := c.keepaliveStop
	keepaliveStopped := c.keepaliveStopped
	c.mu.Unlock()

	if keepaliveStop != nil {
		close(keepaliveStop)
		select {
		case <-keepaliveStopped:
		case <-time.After(2 * time.Second):
		}
	}

	var err error
	if conn != nil {
		err = conn.Close()
	}

	if prevState != Idle {
		c.emit(Event{State: Closed})
	}
	return err
}
