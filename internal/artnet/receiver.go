// Package artnet binds the Art-Net UDP ingress and fans parsed DMX frames
// out to subscribers. Only one Receiver exists per process; every hub
// runner subscribes to the same socket.
package artnet

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/huestage/artnethue-bridge/internal/status"
)

const (
	// Port is the Art-Net UDP port per the published specification.
	Port = 6454

	opDMX = 0x5000

	// MaxDMXData is the largest DMX data slice one ArtDmx packet can carry.
	MaxDMXData = 512

	minPacketLen = 18 // header through length field, before DMX data.
)

// Frame is the parsed form of one ArtDmx packet.
type Frame struct {
	Universe uint16
	Sequence byte
	Data     []byte // up to MaxDMXData bytes, never aliases the receive buffer.
}

// Receiver listens on one UDP socket and delivers parsed frames to every
// subscriber. Malformed datagrams are dropped and counted, never delivered.
type Receiver struct {
	addr    string
	logger  *slog.Logger
	tracker *status.Tracker

	mu          sync.Mutex
	conn        *net.UDPConn
	subscribers map[int]chan Frame
	nextSubID   int

	malformed uint64
}

// New creates a receiver bound to bindAddr (an IP, or "" for the
// unspecified address) on the standard Art-Net port. tracker may be nil, in
// which case malformed-datagram counts are kept locally only.
func New(bindAddr string, logger *slog.Logger, tracker *status.Tracker) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		addr:        fmt.Sprintf("%s:%d", bindAddr, Port),
		logger:      logger,
		tracker:     tracker,
		subscribers: make(map[int]chan Frame),
	}
}

// Subscribe registers a new listener for every frame the receiver parses.
// The returned channel is buffered; a slow subscriber drops frames rather
// than blocking the receive loop or other subscribers. Unsubscribe must be
// called to release it.
func (r *Receiver) Subscribe(bufferSize int) (<-chan Frame, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSubID
	r.nextSubID++
	ch := make(chan Frame, bufferSize)
	r.subscribers[id] = ch

	unsubscribe := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Start binds the UDP socket and begins the receive loop in a background
// goroutine. It returns once the socket is bound.
func (r *Receiver) Start() error {
	udpAddr, err := net.ResolveUDPAddr("udp", r.addr)
	if err != nil {
		return fmt.Errorf("artnet: resolve %s: %w", r.addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("artnet: listen on %s: %w", r.addr, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	go r.receiveLoop(conn)
	return nil
}

// Stop closes the UDP socket, ending the receive loop.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// MalformedCount returns the number of datagrams dropped for failing to
// parse as a well-formed ArtDmx packet.
func (r *Receiver) MalformedCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.malformed
}

func (r *Receiver) receiveLoop(conn *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed, or fatal: either way the loop ends.
		}

		frame, ok := parse(buf[:n])
		if !ok {
			r.mu.Lock()
			r.malformed++
			r.mu.Unlock()
			if r.tracker != nil {
				r.tracker.RecordMalformed()
			}
			continue
		}

		r.broadcast(frame)
	}
}

func (r *Receiver) broadcast(frame Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subscribers {
		select {
		case sub <- frame:
		default:
			r.logger.Warn("artnet subscriber buffer full, dropping frame", "universe", frame.Universe)
		}
	}
}

// parse validates and decodes one ArtDmx datagram. Art-Net's wire format
// mixes endiannesses: opcode and universe are little-endian, protocol
// version and data length are big-endian.
func parse(data []byte) (Frame, bool) {
	if len(data) < minPacketLen {
		return Frame{}, false
	}
	if string(data[0:8]) != "Art-Net\x00" {
		return Frame{}, false
	}
	if binary.LittleEndian.Uint16(data[8:10]) != opDMX {
		return Frame{}, false
	}

	sequence := data[12]
	universe := binary.LittleEndian.Uint16(data[14:16])
	length := int(binary.BigEndian.Uint16(data[16:18]))

	if length > MaxDMXData {
		return Frame{}, false
	}
	if len(data) < minPacketLen+length {
		return Frame{}, false
	}

	payload := make([]byte, length)
	copy(payload, data[minPacketLen:minPacketLen+length])

	return Frame{Universe: universe, Sequence: sequence, Data: payload}, true
}
