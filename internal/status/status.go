// Package status tracks runtime counters and flags for the receiver and
// every configured hub. Frame counts, streaming/DTLS flags and send
// outcomes are also mirrored into Prometheus metrics by the same writer
// call; HubStarted, HubFrameMatched and HubError update the snapshot only,
// and RecordMalformed updates only its Prometheus counter.
package status

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artnethue_receiver_frames_total",
			Help: "Total Art-Net frames received, by universe.",
		},
		[]string{"universe"},
	)
	malformedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "artnethue_receiver_malformed_total",
			Help: "Total malformed Art-Net datagrams dropped.",
		},
	)
	hubStreamingEnabled = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "artnethue_hub_streaming_enabled",
			Help: "1 if the hub's entertainment configuration has been started.",
		},
		[]string{"hub"},
	)
	hubDTLSConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "artnethue_hub_dtls_connected",
			Help: "1 if the hub's DTLS streaming session is open.",
		},
		[]string{"hub"},
	)
	hubPacketsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artnethue_hub_packets_sent_total",
			Help: "Total streaming packets sent to the hub.",
		},
		[]string{"hub"},
	)
	hubPacketsThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artnethue_hub_packets_throttled_total",
			Help: "Total streaming updates suppressed by the send-rate throttle.",
		},
		[]string{"hub"},
	)
	hubPacketsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "artnethue_hub_packets_dropped_total",
			Help: "Total streaming updates dropped for any other reason.",
		},
		[]string{"hub"},
	)
)

// LightStatus is the last known state of one entertainment channel.
type LightStatus struct {
	R, G, B      uint16
	LastUpdateAt time.Time
}

// ReceiverStatus is the Art-Net receiver's observable state.
type ReceiverStatus struct {
	BindAddress      string
	LastFrameAt      time.Time
	FramesTotal      uint64
	FramesByUniverse map[uint16]uint64
}

// HubStatus is one hub's observable state.
type HubStatus struct {
	Started          bool
	StreamingEnabled bool
	DTLSConnected    bool
	LastDMXAt        time.Time
	LastSendAt       time.Time
	FramesMatched    uint64
	PacketsSent      uint64
	PacketsDropped   uint64
	PacketsThrottled uint64
	LastError        string
	Lights           map[uint8]LightStatus
}

// Snapshot is a deep copy of the whole process's observable state, safe to
// serialize or hold onto after the call returns.
type Snapshot struct {
	Receiver ReceiverStatus
	Hubs     map[string]HubStatus
}

// Tracker is the single owner of all runtime status state. Every component
// writes through its small event methods rather than sharing mutable state
// directly.
type Tracker struct {
	mu       sync.RWMutex
	receiver ReceiverStatus
	hubs     map[string]*HubStatus
}

// New creates a tracker with bindAddress recorded for the receiver.
func New(bindAddress string) *Tracker {
	return &Tracker{
		receiver: ReceiverStatus{
			BindAddress:      bindAddress,
			FramesByUniverse: make(map[uint16]uint64),
		},
		hubs: make(map[string]*HubStatus),
	}
}

// RegisterHub adds id to the tracked set, so it appears in snapshots even
// before its first event.
func (t *Tracker) RegisterHub(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.hubs[id]; !ok {
		t.hubs[id] = &HubStatus{Lights: make(map[uint8]LightStatus)}
	}
}

// RecordFrame records one received Art-Net frame for universe.
func (t *Tracker) RecordFrame(universe uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver.LastFrameAt = time.Now()
	t.receiver.FramesTotal++
	t.receiver.FramesByUniverse[universe]++

	framesTotal.WithLabelValues(universeLabel(universe)).Inc()
}

// RecordMalformed records one malformed datagram drop.
func (t *Tracker) RecordMalformed() {
	malformedTotal.Inc()
}

// HubStarted marks id as having begun its startup sequence.
func (t *Tracker) HubStarted(id string) {
	t.withHub(id, func(h *HubStatus) { h.Started = true })
}

// HubStreamingEnabled marks id's entertainment configuration as started.
func (t *Tracker) HubStreamingEnabled(id string, enabled bool) {
	t.withHub(id, func(h *HubStatus) { h.StreamingEnabled = enabled })
	hubStreamingEnabled.WithLabelValues(id).Set(boolGauge(enabled))
}

// HubDTLSConnected marks id's DTLS session state.
func (t *Tracker) HubDTLSConnected(id string, connected bool) {
	t.withHub(id, func(h *HubStatus) { h.DTLSConnected = connected })
	hubDTLSConnected.WithLabelValues(id).Set(boolGauge(connected))
}

// HubFrameMatched records that an inbound Art-Net frame matched id's
// configured universe.
func (t *Tracker) HubFrameMatched(id string) {
	t.withHub(id, func(h *HubStatus) {
		h.LastDMXAt = time.Now()
		h.FramesMatched++
	})
}

// HubSendResult records one send outcome and the resulting light states.
func (t *Tracker) HubSendResult(id string, sent, throttled, dropped bool, lights map[uint8]LightStatus) {
	t.withHub(id, func(h *HubStatus) {
		now := time.Now()
		switch {
		case sent:
			h.LastSendAt = now
			h.PacketsSent++
			for ch, st := range lights {
				h.Lights[ch] = st
			}
		case throttled:
			h.PacketsThrottled++
		case dropped:
			h.PacketsDropped++
		}
	})

	switch {
	case sent:
		hubPacketsSent.WithLabelValues(id).Inc()
	case throttled:
		hubPacketsThrottled.WithLabelValues(id).Inc()
	case dropped:
		hubPacketsDropped.WithLabelValues(id).Inc()
	}
}

// HubError records the last error observed for id. An empty message clears
// it.
func (t *Tracker) HubError(id, message string) {
	t.withHub(id, func(h *HubStatus) { h.LastError = message })
}

func (t *Tracker) withHub(id string, fn func(*HubStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.hubs[id]
	if !ok {
		h = &HubStatus{Lights: make(map[uint8]LightStatus)}
		t.hubs[id] = h
	}
	fn(h)
}

// Snapshot returns a deep copy of the tracker's current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	receiver := ReceiverStatus{
		BindAddress:      t.receiver.BindAddress,
		LastFrameAt:      t.receiver.LastFrameAt,
		FramesTotal:      t.receiver.FramesTotal,
		FramesByUniverse: make(map[uint16]uint64, len(t.receiver.FramesByUniverse)),
	}
	for u, n := range t.receiver.FramesByUniverse {
		receiver.FramesByUniverse[u] = n
	}

	hubs := make(map[string]HubStatus, len(t.hubs))
	for id, h := range t.hubs {
		copied := *h
		copied.Lights = make(map[uint8]LightStatus, len(h.Lights))
		for ch, st := range h.Lights {
			copied.Lights[ch] = st
		}
		hubs[id] = copied
	}

	return Snapshot{Receiver: receiver, Hubs: hubs}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func universeLabel(universe uint16) string {
	return strconv.Itoa(int(universe))
}
