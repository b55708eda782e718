// internal/dispatch/gateway.go
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/events"
)

// Mode is the gateway's connection state toward the broker.
type Mode string

const (
	ModeNormal       Mode = "normal"
	ModeFallback     Mode = "fallback"
	ModeReconnecting Mode = "reconnecting"
)

// Entry is one raw record read from the broker stream.
type Entry struct {
	ID     string
	Values map[string]interface{}
}

// Broker is the stream transport behind the gateway. The production
// implementation sits on Redis Streams; tests substitute their own.
type Broker interface {
	Publish(ctx context.Context, values map[string]interface{}) error
	Consume(ctx context.Context, block time.Duration, count int64) ([]Entry, error)
	Ack(ctx context.Context, ids ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// Handler receives decoded events on the consumer side.
type Handler func(ctx context.Context, event events.Event) error

// Gateway publishes domain events to the broker and falls back to an
// in-process FIFO buffer when the broker is away. Producers never block and
// never see a broker error; buffered events drain in original order once the
// connection recovers.
type Gateway struct {
	broker  Broker
	handler Handler

	healthInterval time.Duration
	baseDelay      time.Duration
	maxDelay       time.Duration
	maxBuffer      int

	mu      sync.Mutex
	mode    Mode
	buffer  []events.Event
	dropped uint64

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewGateway(broker Broker, cfg config.DispatchConfig) *Gateway {
	maxBuffer := cfg.FallbackBufferSize
	if maxBuffer <= 0 {
		maxBuffer = 10000
	}
	return &Gateway{
		broker:         broker,
		healthInterval: time.Duration(cfg.HealthCheckInterval) * time.Second,
		baseDelay:      time.Duration(cfg.ReconnectBaseDelay) * time.Second,
		maxDelay:       time.Duration(cfg.ReconnectMaxDelay) * time.Second,
		maxBuffer:      maxBuffer,
		mode:           ModeNormal,
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
	}
}

// RegisterHandler sets the consumer-side callback. Must be called before
// Start; events read while no handler is registered would be lost.
func (g *Gateway) RegisterHandler(handler Handler) {
	g.handler = handler
}

// Start launches the health-check, reconnect, and consumer loops.
func (g *Gateway) Start() {
	g.wg.Add(2)
	go g.healthLoop()
	go g.reconnectLoop()

	if g.handler != nil {
		g.wg.Add(1)
		go g.consumeLoop()
	}
}

// Stop shuts the loops down and closes the broker. Buffered events that never
// drained are logged and lost; the durable state (deliveries, transactions)
// does not depend on them surviving a restart.
func (g *Gateway) Stop() {
	close(g.stop)
	g.wg.Wait()

	g.mu.Lock()
	pending := len(g.buffer)
	g.mu.Unlock()
	if pending > 0 {
		logrus.Warnf("Dispatch gateway stopping with %d undrained events", pending)
	}

	if err := g.broker.Close(); err != nil {
		logrus.Warnf("Failed to close dispatch broker: %v", err)
	}
}

// Mode reports the current connection state.
func (g *Gateway) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// BufferDepth reports how many events wait in the fallback buffer.
func (g *Gateway) BufferDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buffer)
}

// Dropped reports how many events were discarded to buffer overflow.
func (g *Gateway) Dropped() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped
}

// Publish hands an event to the gateway. The call returns immediately in
// every mode; a broker failure flips the gateway to FALLBACK and the event is
// buffered instead of lost.
func (g *Gateway) Publish(ctx context.Context, event events.Event) {
	g.mu.Lock()
	if g.mode != ModeNormal {
		g.bufferLocked(event)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	values, err := event.Encode()
	if err != nil {
		logrus.Errorf("Dropping undecodable event %s (%s): %v", event.ID, event.Type, err)
		return
	}

	if err := g.broker.Publish(ctx, values); err != nil {
		g.mu.Lock()
		g.enterFallbackLocked(err)
		g.bufferLocked(event)
		g.mu.Unlock()
	}
}

// bufferLocked appends to the fallback FIFO, discarding the oldest event when
// the buffer is full. Callers hold g.mu.
func (g *Gateway) bufferLocked(event events.Event) {
	if len(g.buffer) >= g.maxBuffer {
		g.dropped++
		logrus.Warnf("Fallback buffer full, dropping oldest event %s (%s)", g.buffer[0].ID, g.buffer[0].Type)
		g.buffer = g.buffer[1:]
	}
	g.buffer = append(g.buffer, event)
}

// enterFallbackLocked flips to FALLBACK and nudges the reconnect loop.
// Callers hold g.mu.
func (g *Gateway) enterFallbackLocked(cause error) {
	if g.mode == ModeFallback {
		return
	}
	g.mode = ModeFallback
	logrus.WithFields(logrus.Fields{
		"cause":  cause,
		"buffer": len(g.buffer),
	}).Warn("Dispatch gateway entering fallback mode")

	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// healthLoop pings the broker on an interval while the gateway believes the
// connection is healthy.
func (g *Gateway) healthLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			if g.Mode() != ModeNormal {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), g.healthInterval)
			err := g.broker.Ping(ctx)
			cancel()
			if err != nil {
				g.mu.Lock()
				g.enterFallbackLocked(err)
				g.mu.Unlock()
			}
		}
	}
}

// reconnectLoop probes the broker with exponential backoff while the gateway
// is in fallback, and drains the buffer once a probe succeeds.
func (g *Gateway) reconnectLoop() {
	defer g.wg.Done()

	for {
		select {
		case <-g.stop:
			return
		case <-g.wake:
		}

		delay := g.baseDelay
		for g.Mode() == ModeFallback {
			select {
			case <-g.stop:
				return
			case <-time.After(delay):
			}

			ctx, cancel := context.WithTimeout(context.Background(), g.healthInterval)
			err := g.broker.Ping(ctx)
			cancel()
			if err != nil {
				logrus.Debugf("Dispatch broker still unreachable: %v", err)
				delay *= 2
				if delay > g.maxDelay {
					delay = g.maxDelay
				}
				continue
			}

			if g.drain() {
				break
			}
			delay = g.baseDelay
		}
	}
}

// drain replays the fallback buffer to the broker in FIFO order. Events
// published while draining land behind the buffered ones, so global order per
// producer is preserved. Returns true once the gateway is back to NORMAL.
func (g *Gateway) drain() bool {
	g.mu.Lock()
	g.mode = ModeReconnecting
	depth := len(g.buffer)
	g.mu.Unlock()
	logrus.Infof("Dispatch broker reachable again, draining %d buffered events", depth)

	for {
		g.mu.Lock()
		if len(g.buffer) == 0 {
			g.mode = ModeNormal
			g.mu.Unlock()
			logrus.Info("Dispatch gateway back to normal mode")
			return true
		}
		event := g.buffer[0]
		g.mu.Unlock()

		values, err := event.Encode()
		if err != nil {
			logrus.Errorf("Dropping undecodable buffered event %s: %v", event.ID, err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = g.broker.Publish(ctx, values)
			cancel()
			if err != nil {
				g.mu.Lock()
				g.mode = ModeFallback
				g.mu.Unlock()
				logrus.Warnf("Drain interrupted, %d events still buffered: %v", g.BufferDepth(), err)
				return false
			}
		}

		g.mu.Lock()
		g.buffer = g.buffer[1:]
		g.mu.Unlock()
	}
}

// consumeLoop reads events from the broker and hands them to the handler.
// Handler errors are logged, never fatal; the entry is acknowledged either
// way because retry durability lives in the delivery rows, not the stream.
func (g *Gateway) consumeLoop() {
	defer g.wg.Done()

	for {
		select {
		case <-g.stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		entries, err := g.broker.Consume(ctx, 5*time.Second, 16)
		cancel()
		if err != nil {
			select {
			case <-g.stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, entry := range entries {
			event, err := events.Decode(entry.Values)
			if err != nil {
				logrus.Warnf("Skipping malformed stream entry %s: %v", entry.ID, err)
			} else if err := g.handler(context.Background(), event); err != nil {
				logrus.WithFields(logrus.Fields{
					"event_id":   event.ID,
					"event_type": event.Type,
				}).Errorf("Event handler failed: %v", err)
			}

			ackCtx, ackCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := g.broker.Ack(ackCtx, entry.ID); err != nil {
				logrus.Debugf("Failed to ack stream entry %s: %v", entry.ID, err)
			}
			ackCancel()
		}
	}
}
