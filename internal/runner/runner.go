// Package runner drives one hub's lifecycle: resolve its remote
// entertainment configuration, open a DTLS streaming session, map inbound
// Art-Net frames to channel updates, and tear everything down on shutdown.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huestage/artnethue-bridge/internal/artnet"
	"github.com/huestage/artnethue-bridge/internal/channelmap"
	"github.com/huestage/artnethue-bridge/internal/config"
	"github.com/huestage/artnethue-bridge/internal/huebridge"
	"github.com/huestage/artnethue-bridge/internal/status"
	"github.com/huestage/artnethue-bridge/internal/stream"
)

// armDelay is the protocol-mandated pause between requesting stream start
// and beginning the DTLS handshake, giving the hub time to open its UDP
// listener.
const armDelay = time.Second

// StageError names which of the eight startup stages failed, so callers
// can log precisely without the runner knowing how they log.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("runner: stage %q: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Counters tracks per-result send outcomes for one hub.
type Counters struct {
	Sent      uint64
	Throttled uint64
	Dropped   uint64
}

// Snapshot returns a copy of the current counter values.
func (c *Counters) Snapshot() Counters {
	return Counters{
		Sent:      atomic.LoadUint64(&c.Sent),
		Throttled: atomic.LoadUint64(&c.Throttled),
		Dropped:   atomic.LoadUint64(&c.Dropped),
	}
}

// Runner owns one hub's full lifecycle.
type Runner struct {
	hub     config.HubEntry
	bridge  *huebridge.Client
	logger  *slog.Logger
	tracker *status.Tracker

	mappings []channelmap.Mapping

	mu         sync.Mutex
	controller *stream.Controller
	closed     bool

	counters Counters
}

// New creates a runner for hub, not yet started. tracker may be nil, in
// which case status events are simply not recorded.
func New(hub config.HubEntry, bridge *huebridge.Client, logger *slog.Logger, tracker *status.Tracker) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{hub: hub, bridge: bridge, logger: logger.With("hub", hub.ID), tracker: tracker}
}

// Start drives stages 1-8 of the hub lifecycle to a live streaming session.
// On any failure it runs Shutdown itself before returning, since later
// stages may have already acquired resources (a remote session, a DTLS
// socket) that must be released on every exit path.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.start(ctx); err != nil {
		r.Shutdown(context.Background())
		return err
	}
	return nil
}

func (r *Runner) start(ctx context.Context) error {
	r.logger.Info("starting hub")

	// Stage 1: resolve and verify the remote entertainment configuration.
	if r.hub.EntertainmentConfigurationID == "" {
		return &StageError{"resolve_configuration", fmt.Errorf("entertainmentConfigurationId is not set")}
	}
	remoteConfigs, err := r.bridge.ListEntertainmentConfigurations(ctx)
	if err != nil {
		return &StageError{"resolve_configuration", err}
	}
	remote, ok := findConfiguration(remoteConfigs, r.hub.EntertainmentConfigurationID)
	if !ok {
		return &StageError{"resolve_configuration", fmt.Errorf("entertainment configuration %s not found on bridge", r.hub.EntertainmentConfigurationID)}
	}
	if err := verifyChannelSet(r.hub.Channels, remote.ChannelIDs); err != nil {
		return &StageError{"resolve_configuration", err}
	}

	// Stage 2: build a Channel Decoder per mapping.
	mappings := make([]channelmap.Mapping, 0, len(r.hub.Channels))
	for _, ch := range r.hub.Channels {
		m := channelmap.Mapping{
			ChannelID: int(ch.ChannelID),
			DMXStart:  ch.DMXStart,
			Mode:      channelmap.Mode(ch.ChannelMode),
		}
		if err := m.Validate(); err != nil {
			return &StageError{"build_mappings", fmt.Errorf("channel %d: %w", ch.ChannelID, err)}
		}
		mappings = append(mappings, m)
	}
	r.mappings = mappings

	// Stage 3: resolve the PSK identity.
	appID, err := r.bridge.ResolveApplicationID(ctx)
	if err != nil {
		return &StageError{"resolve_application_id", err}
	}

	// Stage 4: construct the DTLS controller.
	controller := stream.New(stream.Config{
		Host:         r.hub.Host,
		PSKIdentity:  appID,
		PSKSecretHex: r.hub.ClientKey,
		ConfigID:     r.hub.EntertainmentConfigurationID,
		Logger:       r.logger,
	})
	r.mu.Lock()
	r.controller = controller
	r.mu.Unlock()

	// Stage 5: start the remote entertainment configuration.
	if err := r.bridge.StartEntertainmentConfiguration(ctx, r.hub.EntertainmentConfigurationID); err != nil {
		return &StageError{"start_entertainment_configuration", err}
	}

	// Stage 6: the hub needs time to enter streaming mode.
	select {
	case <-time.After(armDelay):
	case <-ctx.Done():
		return &StageError{"arm_delay", ctx.Err()}
	}

	// Stage 7: DTLS handshake.
	if err := controller.Connect(ctx); err != nil {
		return &StageError{"connect", err}
	}
	r.logger.Info("hub streaming enabled")
	go r.watchEvents(controller)

	// Stage 8: arm the session with an all-black update.
	black := make([]channelmap.ColorUpdate, len(mappings))
	for i, m := range mappings {
		black[i] = channelmap.ColorUpdate{ChannelID: uint8(m.ChannelID)}
	}
	if _, err := r.send(black); err != nil {
		return &StageError{"arm_session", err}
	}

	return nil
}

func findConfiguration(configs []huebridge.EntertainmentConfiguration, id string) (huebridge.EntertainmentConfiguration, bool) {
	for _, c := range configs {
		if c.ID == id {
			return c, true
		}
	}
	return huebridge.EntertainmentConfiguration{}, false
}

// verifyChannelSet checks that the configured channel ids are exactly the
// remote's channel ids, failing with the missing and extra ids named before
// any HTTPS start request is issued.
func verifyChannelSet(channels []config.ChannelEntry, remoteChannelIDs []int) error {
	configured := make(map[int]bool, len(channels))
	for _, ch := range channels {
		configured[int(ch.ChannelID)] = true
	}
	remote := make(map[int]bool, len(remoteChannelIDs))
	for _, id := range remoteChannelIDs {
		remote[id] = true
	}

	var missing, extra []int
	for id := range remote {
		if !configured[id] {
			missing = append(missing, id)
		}
	}
	for id := range configured {
		if !remote[id] {
			extra = append(extra, id)
		}
	}

	if len(missing) > 0 || len(extra) > 0 {
		return fmt.Errorf("channel set mismatch: missing %v, extra %v", missing, extra)
	}
	return nil
}

// HandleFrame processes one Art-Net frame. Frames for a different universe
// than this hub's configured universe are ignored.
func (r *Runner) HandleFrame(frame artnet.Frame) {
	if int(frame.Universe) != r.hub.ArtNetUniverse {
		return
	}
	if r.tracker != nil {
		r.tracker.HubFrameMatched(r.hub.ID)
	}

	updates := make([]channelmap.ColorUpdate, len(r.mappings))
	for i, m := range r.mappings {
		updates[i] = m.Decode(frame.Data)
	}

	if _, err := r.send(updates); err != nil {
		r.logger.Warn("send failed", "error", err)
	}
}

// SendSolidColor sends one update with every mapped channel set to rgb16,
// bypassing Art-Net, for operator-driven verification.
func (r *Runner) SendSolidColor(rgb16 [3]uint16) error {
	updates := make([]channelmap.ColorUpdate, len(r.mappings))
	for i, m := range r.mappings {
		updates[i] = channelmap.ColorUpdate{ChannelID: uint8(m.ChannelID), R: rgb16[0], G: rgb16[1], B: rgb16[2]}
	}
	_, err := r.send(updates)
	return err
}

func (r *Runner) send(updates []channelmap.ColorUpdate) (stream.SendResult, error) {
	r.mu.Lock()
	controller := r.controller
	r.mu.Unlock()
	if controller == nil {
		atomic.AddUint64(&r.counters.Dropped, 1)
		if r.tracker != nil {
			r.tracker.HubSendResult(r.hub.ID, false, false, true, nil)
		}
		return stream.NotOpen, fmt.Errorf("runner: controller not ready")
	}

	result, err := controller.SendUpdate(updates)
	switch result {
	case stream.Sent:
		atomic.AddUint64(&r.counters.Sent, 1)
	case stream.Throttled:
		atomic.AddUint64(&r.counters.Throttled, 1)
	default:
		atomic.AddUint64(&r.counters.Dropped, 1)
	}

	if r.tracker != nil {
		r.tracker.HubSendResult(r.hub.ID, result == stream.Sent, result == stream.Throttled, result != stream.Sent && result != stream.Throttled, lightsFromUpdates(updates))
	}
	return result, err
}

func lightsFromUpdates(updates []channelmap.ColorUpdate) map[uint8]status.LightStatus {
	lights := make(map[uint8]status.LightStatus, len(updates))
	now := time.Now()
	for _, u := range updates {
		lights[u.ChannelID] = status.LightStatus{R: u.R, G: u.G, B: u.B, LastUpdateAt: now}
	}
	return lights
}

// CountersSnapshot returns a snapshot of this hub's send outcome counts.
func (r *Runner) CountersSnapshot() Counters {
	return r.counters.Snapshot()
}

// Shutdown closes the DTLS controller (idempotent) and stops the remote
// entertainment configuration best-effort. It runs on every exit path,
// including ones where startup failed partway through.
func (r *Runner) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	controller := r.controller
	r.mu.Unlock()

	if controller != nil {
		if err := controller.Close(); err != nil {
			r.logger.Warn("close failed", "error", err)
		}
	}

	if r.hub.EntertainmentConfigurationID != "" {
		if err := r.bridge.StopEntertainmentConfiguration(ctx, r.hub.EntertainmentConfigurationID); err != nil {
			r.logger.Warn("stop entertainment configuration failed", "error", err)
		}
	}

	r.logger.Info("hub stopped")
}

// watchEvents consumes controller's event channel for the rest of its
// lifetime. It returns once it observes the controller's terminal Closed
// event; the channel itself is never closed by the controller.
func (r *Runner) watchEvents(controller *stream.Controller) {
	for ev := range controller.Events() {
		if r.handleEvent(ev) {
			return
		}
	}
}

// handleEvent applies one controller event to status and, on a mid-operation
// transport loss, releases the remote session, and reports whether ev was
// the terminal event this runner's watcher should stop on.
func (r *Runner) handleEvent(ev stream.Event) (terminal bool) {
	switch ev.State {
	case stream.Open:
		if r.tracker != nil {
			r.tracker.HubDTLSConnected(r.hub.ID, true)
		}
		return false
	case stream.Closed:
		if r.tracker != nil {
			r.tracker.HubDTLSConnected(r.hub.ID, false)
		}
		if ev.Err != nil {
			r.logger.Error("dtls session closed", "error", ev.Err, "kind", ev.Kind)
			if r.tracker != nil {
				r.tracker.HubError(r.hub.ID, ev.Err.Error())
			}
			if ev.Kind == stream.ErrTransportLoss {
				// The session died out from under us; release the remote
				// entertainment configuration rather than leaving the hub
				// believing it's still streaming.
				go r.Shutdown(context.Background())
			}
		}
		return true
	default:
		return false
	}
}
