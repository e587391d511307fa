// Package dispatch pushes messages to users one at a time behind a shared
// rate gate. All batch senders (broadcast, daily notifications, approval
// fan-out) go through one Dispatcher so interleaved batches still respect
// the channel's minimum inter-send spacing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"loyaltybot/internal/eventbus"
	"loyaltybot/internal/transport"
	logx "loyaltybot/pkg/logx"
)

// ErrChannelSend wraps transport failures. Batch drivers count these per
// recipient instead of aborting.
var ErrChannelSend = errors.New("dispatch: channel send failed")

type Config struct {
	// MinSendGap is the minimum spacing between consecutive sends across
	// ALL callers of this dispatcher. Defaults to 150ms.
	MinSendGap time.Duration
	// SendTimeout bounds a single send. Defaults to 10s.
	SendTimeout time.Duration
}

const (
	defaultMinSendGap  = 150 * time.Millisecond
	defaultSendTimeout = 10 * time.Second
)

// Dispatcher serializes outbound sends behind a single limiter clock.
type Dispatcher struct {
	adapter transport.Adapter
	bus     eventbus.Bus
	log     logx.Logger

	limiter *rate.Limiter

	mu          sync.RWMutex
	sendTimeout time.Duration
}

func New(adapter transport.Adapter, cfg Config, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	gap := cfg.MinSendGap
	if gap <= 0 {
		gap = defaultMinSendGap
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Dispatcher{
		adapter:     adapter,
		bus:         bus,
		log:         log.With(logx.String("svc", "dispatch")),
		limiter:     rate.NewLimiter(rate.Every(gap), 1),
		sendTimeout: timeout,
	}
}

// Apply retunes the gate and timeout at runtime. In-flight waits pick up the
// new rate on their next reservation.
func (d *Dispatcher) Apply(cfg Config) {
	gap := cfg.MinSendGap
	if gap <= 0 {
		gap = defaultMinSendGap
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	d.limiter.SetLimit(rate.Every(gap))
	d.mu.Lock()
	d.sendTimeout = timeout
	d.mu.Unlock()
}

func (d *Dispatcher) timeout() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sendTimeout
}

// Send delivers one message to one recipient, waiting on the shared gate
// first. Any failure comes back as an ErrChannelSend-wrapped value; nothing
// escapes as a panic, and there is no internal retry.
func (d *Dispatcher) Send(ctx context.Context, recipient int64, text string, opt *transport.SendOptions) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: gate wait: %v", ErrChannelSend, err)
	}

	sctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	_, err := d.adapter.SendText(sctx, transport.ChatTarget{ChatID: recipient}, text, opt)
	if err != nil {
		d.log.Warn("send failed", logx.Int64("recipient", recipient), logx.Err(err))
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{
				Type: eventbus.TypeDispatchFailed,
				Data: eventbus.DispatchFailure{Recipient: recipient, Reason: err.Error()},
			})
		}
		return fmt.Errorf("%w: to %d: %v", ErrChannelSend, recipient, err)
	}
	return nil
}
