// Package coordinator owns every hub's lifecycle: it validates
// configuration, starts one runner per hub in parallel, broadcasts
// Art-Net frames to whichever runner's universe matches, and drains all
// hubs concurrently on shutdown.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/huestage/artnethue-bridge/internal/artnet"
	"github.com/huestage/artnethue-bridge/internal/config"
	"github.com/huestage/artnethue-bridge/internal/huebridge"
	"github.com/huestage/artnethue-bridge/internal/runner"
	"github.com/huestage/artnethue-bridge/internal/status"
)

// frameBufferSize bounds the per-hub frame channel the receiver broadcasts
// into; a full buffer drops frames rather than stalling the receiver's hot
// path or any other hub.
const frameBufferSize = 16

// Coordinator drives the whole process's hub fleet from one Art-Net
// receiver.
type Coordinator struct {
	doc      *config.Document
	receiver *artnet.Receiver
	status   *status.Tracker
	logger   *slog.Logger

	runners      map[string]*runner.Runner
	queues       map[string]chan artnet.Frame
	cancel       context.CancelFunc
	dispatchDone chan struct{}
}

// New validates doc and builds a Coordinator ready to Run. It performs no
// I/O; network and HTTPS calls happen inside Run.
func New(doc *config.Document, tracker *status.Tracker, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	c := &Coordinator{
		doc:      doc,
		receiver: artnet.New(doc.ArtNet.BindIP, logger, tracker),
		status:   tracker,
		logger:   logger,
		runners:  make(map[string]*runner.Runner),
		queues:   make(map[string]chan artnet.Frame),
	}

	for _, hub := range doc.Hubs {
		bridge := huebridge.New(hub.Host, hub.Username, logger)
		c.runners[hub.ID] = runner.New(hub, bridge, logger, tracker)
		c.queues[hub.ID] = make(chan artnet.Frame, frameBufferSize)
		tracker.RegisterHub(hub.ID)
	}

	return c, nil
}

// Run binds the Art-Net receiver, starts every hub runner concurrently,
// and blocks until ctx is canceled, at which point it drains every hub
// concurrently before returning. A startup failure in one hub aborts only
// that hub; the others continue.
func (c *Coordinator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()

	if err := c.receiver.Start(); err != nil {
		return fmt.Errorf("coordinator: start art-net receiver: %w", err)
	}
	defer c.receiver.Stop()

	frames, unsubscribe := c.receiver.Subscribe(256)
	defer unsubscribe()

	for id, q := range c.queues {
		go c.frameWorker(id, q)
	}
	c.dispatchDone = make(chan struct{})
	go c.dispatch(runCtx, frames)

	group, groupCtx := errgroup.WithContext(runCtx)
	for id, r := range c.runners {
		id, r := id, r
		group.Go(func() error {
			c.status.HubStarted(id)
			if err := r.Start(groupCtx); err != nil {
				c.logger.Error("hub failed to start", "hub", id, "error", err)
				c.status.HubError(id, err.Error())
				return nil // swallowed: one hub's failure must not abort the others.
			}
			c.status.HubStreamingEnabled(id, true)
			c.status.HubDTLSConnected(id, true)
			return nil
		})
	}
	_ = group.Wait() // errors are already logged and recorded per-hub above.

	<-runCtx.Done()

	c.shutdown()
	return nil
}

// Stop cancels Run's context, triggering a graceful drain.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// dispatch reads parsed frames from the receiver and fans each one to
// every hub's queue, non-blockingly (each runner filters by its own
// universe), per the single shared ingestion
// socket described in the concurrency model.
func (c *Coordinator) dispatch(ctx context.Context, frames <-chan artnet.Frame) {
	defer close(c.dispatchDone)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			c.status.RecordFrame(frame.Universe)
			for id, q := range c.queues {
				select {
				case q <- frame:
				default:
					c.logger.Warn("hub frame queue full, dropping frame", "hub", id, "universe", frame.Universe)
				}
			}
		}
	}
}

// frameWorker is the one goroutine per hub that owns that hub's frame
// handling, keeping delivery order per hub.
func (c *Coordinator) frameWorker(id string, queue chan artnet.Frame) {
	r := c.runners[id]
	for frame := range queue {
		r.HandleFrame(frame)
	}
}

// SendSolidColor routes an operator-driven solid color command to hub id,
// bypassing Art-Net.
func (c *Coordinator) SendSolidColor(id string, rgb16 [3]uint16) error {
	r, ok := c.runners[id]
	if !ok {
		return fmt.Errorf("coordinator: unknown hub %q", id)
	}
	return r.SendSolidColor(rgb16)
}

// shutdown closes every hub runner concurrently, swallowing individual
// errors so one slow or unreachable hub cannot block the others.
func (c *Coordinator) shutdown() {
	c.logger.Info("shutting down")

	if c.dispatchDone != nil {
		<-c.dispatchDone // dispatch must stop writing before queues close.
	}

	group := new(errgroup.Group)
	for id, q := range c.queues {
		close(q)
		r := c.runners[id]
		id := id
		group.Go(func() error {
			r.Shutdown(context.Background())
			c.status.HubStreamingEnabled(id, false)
			c.status.HubDTLSConnected(id, false)
			return nil
		})
	}
	_ = group.Wait()

	c.logger.Info("shutdown complete")
}
